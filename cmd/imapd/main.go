// Command imapd runs the IMAP server against the in-memory backend,
// seeded with the embedded demo data. It exists to exercise the session
// engine end-to-end; it is not a durable mail store.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crawshaw.io/iox"

	"spilled.ink/backend"
	"spilled.ink/imap/imapserver"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagAddr := flag.String("addr", "localhost:1143", "IMAP listen address")
	flagUser := flag.String("user", "demouser", "demo account username")
	flagPass := flag.String("pass", "demopass", "demo account password")
	flagCert := flag.String("tls_cert", "", "TLS certificate file (empty for plain TCP)")
	flagKey := flag.String("tls_key", "", "TLS key file")
	flagIdleTimeout := flag.Duration("idle_timeout", 29*time.Minute, "IDLE command cutoff")

	flag.Parse()

	filer := iox.NewFiler(0)
	tempdir, err := os.MkdirTemp("", "imapd-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tempdir)
	filer.SetTempdir(tempdir)

	b := backend.New()
	if err := backend.LoadDemo(b, *flagUser, *flagPass); err != nil {
		log.Fatalf("imapd: loading demo data: %v", err)
	}

	var tlsConfig *tls.Config
	if *flagCert != "" {
		cert, err := tls.LoadX509KeyPair(*flagCert, *flagKey)
		if err != nil {
			log.Fatalf("imapd: loading TLS keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ln, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("imapd: %v", err)
	}

	server := &imapserver.Server{
		Filer:       filer,
		Logf:        log.Printf,
		DataStore:   b,
		TLSConfig:   tlsConfig,
		Version:     version,
		IdleTimeout: *flagIdleTimeout,
	}

	log.Printf("imapd version %s listening on %s (user %q)", version, ln.Addr(), *flagUser)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	if err := server.Serve(ln); err != nil && err != imapserver.ErrServerClosed {
		log.Fatalf("imapd: %v", err)
	}
	log.Printf("imapd shut down")
}
