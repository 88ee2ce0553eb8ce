// Command privsep-tlsdemo runs a TLS-terminating HTTP server whose
// certificate's private key never leaves the privsep key daemon. It
// exists to demonstrate component H's payoff: a *client.Key satisfies
// crypto.Signer, so it plugs directly into a tls.Certificate without any
// engine-registration step, unlike the OpenSSL ENGINE/RSA_METHOD
// installation this codebase's original C source performed. Adapted from
// http_proxy/main.go's flag/signal/shutdown scaffolding, applied to a demo
// server instead of a reverse proxy.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/privsep-go/privsep"
)

const defaultShutdownTimeout = 5 * time.Second

type demoConfig struct {
	addr           string
	daemonBinary   string
	keyPath        string
	certChainPath  string
	requirePeerUID bool
}

func newDemoConfigFromFlags() (*demoConfig, error) {
	cfg := &demoConfig{}
	flag.StringVar(&cfg.addr, "addr", ":8443", "address to listen on")
	flag.StringVar(&cfg.daemonBinary, "daemon", "", "path to the privsepd binary (required)")
	flag.StringVar(&cfg.keyPath, "key", "", "path to the PEM RSA private key the daemon should load (required)")
	flag.StringVar(&cfg.certChainPath, "cert", "", "path to the PEM certificate chain matching -key (required)")
	flag.BoolVar(&cfg.requirePeerUID, "require-peer-uid", false, "restrict the daemon socket to the current uid")
	flag.Parse()

	if cfg.daemonBinary == "" {
		return nil, errors.New("-daemon is required")
	}
	if cfg.keyPath == "" {
		return nil, errors.New("-key is required")
	}
	if cfg.certChainPath == "" {
		return nil, errors.New("-cert is required")
	}
	return cfg, nil
}

func loadCertChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s: no certificates found", path)
	}
	return chain, nil
}

func run(ctx context.Context) error {
	cfg, err := newDemoConfigFromFlags()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var opts []privsep.Option
	if cfg.requirePeerUID {
		opts = append(opts, privsep.WithPeerUIDCheck(uint32(os.Getuid())))
	}

	log.Print("starting privsep key daemon...")
	inst, err := privsep.Init(cfg.daemonBinary, opts...)
	if err != nil {
		return fmt.Errorf("starting privsep instance: %w", err)
	}
	defer inst.Close()

	log.Printf("loading private key from %s via the daemon...", cfg.keyPath)
	key, err := inst.LoadPrivateKeyFile(cfg.keyPath)
	if err != nil {
		return fmt.Errorf("loading private key: %w", err)
	}

	chain, err := loadCertChain(cfg.certChainPath)
	if err != nil {
		return fmt.Errorf("loading certificate chain: %w", err)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return fmt.Errorf("parsing leaf certificate: %w", err)
	}

	server := &http.Server{
		Addr: cfg.addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "served over TLS with a privilege-separated private key")
		}),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: chain,
				PrivateKey:  key,
				Leaf:        leaf,
			}},
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.addr)
		if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Print("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("privsep-tlsdemo: %v", err)
	}
}
