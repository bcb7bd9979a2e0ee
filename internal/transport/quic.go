package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the ALPN token QUIC clients must offer.
const quicALPN = "flamingo-chat"

// quicConn adapts one QUIC connection: the client opens a single
// bidirectional stream that carries the framed byte stream exactly as
// over TCP.
type quicConn struct {
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
	once    sync.Once
}

func (c *quicConn) Peer() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.stream.Write(p)
	return err
}

func (c *quicConn) Close() {
	c.once.Do(func() {
		c.conn.CloseWithError(0, "bye")
	})
}

// QUICServer accepts QUIC connections as an alternative native
// transport.
type QUICServer struct {
	addr      string
	tlsConfig *tls.Config
	factory   HandlerFactory
}

// NewQUICServer returns an unstarted QUIC listener for addr. The TLS
// config is cloned and pinned to the chat ALPN.
func NewQUICServer(addr string, tlsConfig *tls.Config, factory HandlerFactory) *QUICServer {
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{quicALPN}
	return &QUICServer{addr: addr, tlsConfig: cfg, factory: factory}
}

// Run listens on the configured address and serves connections until
// ctx is canceled.
func (s *QUICServer) Run(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.tlsConfig, &quic.Config{})
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("[quic] listening on %s", s.addr)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			log.Printf("[quic] accept: %v", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *QUICServer) serveConn(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Printf("[quic] accept stream from %s: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(1, "no stream")
		return
	}

	qc := &quicConn{conn: conn, stream: stream}
	handler := s.factory(qc)
	defer func() {
		qc.Close()
		handler.OnClose()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			handler.OnRead(buf[:n])
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("[quic] read from %s: %v", qc.Peer(), err)
			}
			return
		}
	}
}
