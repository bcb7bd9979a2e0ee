package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/johnwfy/flamingo/internal/chat"
	"github.com/johnwfy/flamingo/internal/config"
	"github.com/johnwfy/flamingo/internal/httpapi"
	"github.com/johnwfy/flamingo/internal/store"
	"github.com/johnwfy/flamingo/internal/transport"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

func main() {
	// Optional .env in the working directory; real env always wins.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], cfg.DBPath) {
			return
		}
	}

	tcpAddr := flag.String("addr", cfg.TCPAddr, "framed TCP listen address")
	wsAddr := flag.String("ws-addr", cfg.WSAddr, "WebSocket gateway address (empty to disable)")
	quicAddr := flag.String("quic-addr", cfg.QUICAddr, "QUIC gateway address (empty to disable)")
	apiAddr := flag.String("api-addr", cfg.APIAddr, "REST admin API address (empty to disable)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	heartbeat := flag.Bool("heartbeat-check", cfg.HeartbeatCheck, "close connections idle past the timeout")
	flag.Parse()

	// Open the persistent user store.
	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	core := chat.NewServer(st, chat.Config{
		HeartbeatCheck:    *heartbeat,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		CacheDepth:        cfg.CacheDepth,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	factory := func(c transport.Conn) transport.Handler {
		return core.NewSession(c)
	}

	// Start metrics logging.
	go chat.RunMetrics(ctx, core, cfg.MetricsInterval)

	// Start the REST admin API if an address is configured.
	if *apiAddr != "" {
		api := httpapi.New(core, st)
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	// Start the WebSocket gateway if configured.
	if *wsAddr != "" {
		ws := transport.NewWSServer(*wsAddr, factory)
		go func() {
			if err := ws.Run(ctx); err != nil {
				log.Printf("[ws] %v", err)
			}
		}()
	}

	// Start the QUIC gateway if configured; it needs a certificate.
	if *quicAddr != "" {
		tlsConfig, fingerprint, err := transport.GatewayTLSConfig(cfg.CertValidity, *quicAddr)
		if err != nil {
			log.Fatalf("[quic] %v", err)
		}
		log.Printf("[quic] TLS certificate fingerprint: %s", fingerprint)

		qs := transport.NewQUICServer(*quicAddr, tlsConfig, factory)
		go func() {
			if err := qs.Run(ctx); err != nil {
				log.Printf("[quic] %v", err)
			}
		}()
	}

	// The framed TCP listener is the primary transport; run it in the
	// foreground.
	tcp := transport.NewTCPServer(*tcpAddr, factory)
	if err := tcp.Run(ctx); err != nil {
		log.Fatalf("[tcp] %v", err)
	}
}
