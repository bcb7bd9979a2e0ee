package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket connection: each binary message carries one
// or more wire frames verbatim.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) Peer() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsConn) Close() {
	c.once.Do(func() { c.ws.Close() })
}

// WSServer exposes the chat protocol to web clients over a WebSocket
// endpoint at /ws.
type WSServer struct {
	addr    string
	factory HandlerFactory
}

// NewWSServer returns an unstarted WebSocket gateway for addr.
func NewWSServer(addr string, factory HandlerFactory) *WSServer {
	return &WSServer{addr: addr, factory: factory}
}

// Run serves the gateway until ctx is canceled.
func (s *WSServer) Run(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade failed: %v", err)
			return
		}
		go s.serveConn(ws)
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[ws] listening on %s", s.addr)
	err := srv.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *WSServer) serveConn(ws *websocket.Conn) {
	conn := &wsConn{ws: ws}
	handler := s.factory(conn)
	defer func() {
		conn.Close()
		handler.OnClose()
	}()

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] read from %s: %v", conn.Peer(), err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		handler.OnRead(data)
	}
}
