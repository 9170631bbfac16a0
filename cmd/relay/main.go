// Command relay runs the relay routing engine as a standalone HTTP/
// WebSocket server. Grounded on the teacher's main.go (flat mux wiring,
// bearer middleware wrapping everything but the health check), adapted
// from the teacher's fixed single-workDir IDE backend to a config-file-
// driven, multi-topic relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/relaynet/relay/auth"
	"github.com/relaynet/relay/closecode"
	"github.com/relaynet/relay/config"
	"github.com/relaynet/relay/logger"
	"github.com/relaynet/relay/middleware"
	"github.com/relaynet/relay/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./relay.yaml", "path to the relay's YAML configuration file")
	listenAddr := flag.String("listen", "", "override the config file's listenAddr")
	flag.Parse()

	logger.Init(logger.Config{
		DataDir: os.Getenv("DATA_DIR"),
		DevMode: os.Getenv("LOG_FORMAT") != "json",
	})

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		slog.Error("AUTH_TOKEN environment variable is required")
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		return 1
	}
	defer watcher.Close()

	doc := watcher.Document()
	addr := doc.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}
	if addr == "" {
		addr = ":8080"
	}

	r := relay.New(relay.Options{
		Auth:               auth.StaticValidator{Token: token, UserID: "default"},
		Rules:              watcher.Rules(),
		MaxMessageSize:     doc.MaxMessageSize,
		SessionPersistence: doc.SessionPersistence,
		RateLimitEnabled:   doc.DefaultRateLimit > 0,
		Logger:             slog.Default(),
	})

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", relay.HealthHandler())
	mux.Handle("GET /debug/relay", middleware.BearerAuth(token)(r.DebugHandler()))
	mux.Handle("/", r)

	server := &http.Server{Addr: addr, Handler: mux}

	printConnectURL(addr)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", addr, "config", *configPath)
		serverErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to bind", "error", err)
			return 1
		}
	case <-sigCh:
		slog.Info("shutting down")
		r.CloseAll(closecode.ServiceRestart, "server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}

	return 0
}

// printConnectURL shows a scannable QR code for the relay's own
// WebSocket URL when run attached to a terminal, purely as a devex
// affordance for pointing a demo client at this relay without retyping
// the address.
func printConnectURL(addr string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	url := fmt.Sprintf("ws://localhost%s/", addr)
	fmt.Fprintf(os.Stdout, "Connect URL: %s\n", url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
}
