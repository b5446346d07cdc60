// Command ingestd runs the development ingest endpoint used to exercise the
// sidecar end to end: bearer-token auth, batch capture and failure
// injection.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akorchak/geosync/internal/ingest"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	secret := flag.String("secret", "", "token signing secret (or INGEST_SECRET)")
	tokenTTL := flag.Duration("token-ttl", time.Hour, "default token lifetime")
	flag.Parse()

	signingSecret := *secret
	if signingSecret == "" {
		signingSecret = os.Getenv("INGEST_SECRET")
	}
	if signingSecret == "" {
		log.Fatal("signing secret required: pass -secret or set INGEST_SECRET")
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           ingest.NewServer(signingSecret, *tokenTTL).Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ingest server listening on %s", *addr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	case sig := <-stop:
		log.Printf("received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
