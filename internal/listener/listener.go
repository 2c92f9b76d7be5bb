package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gbmerrall/proxystarter/internal/cert"
)

const shutdownTimeout = 5 * time.Second

// ListenBindError is returned when the listening socket cannot be bound,
// typically because the port is in use or privileged.
type ListenBindError struct {
	Addr string
	Err  error
}

func (e *ListenBindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *ListenBindError) Unwrap() error { return e.Err }

// Config describes where and with which certificate the listener serves.
type Config struct {
	BindAddress string
	Port        int
	Certificate *cert.Certificate
}

// Address returns the host:port to bind.
func (c Config) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Listener terminates TLS and hands each request to its handler. Every
// connection is served on its own goroutine, so a slow request never holds
// up another.
type Listener struct {
	logger  *slog.Logger
	config  Config
	handler http.Handler

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

// New creates a Listener. Call Bind before Serve.
func New(logger *slog.Logger, cfg Config, handler http.Handler) *Listener {
	return &Listener{
		logger:  logger,
		config:  cfg,
		handler: handler,
	}
}

// Bind opens the TCP socket. Failures are returned as *ListenBindError.
func (l *Listener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}

	addr := l.config.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &ListenBindError{Addr: addr, Err: err}
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts TLS connections until ctx is cancelled, then shuts the
// server down gracefully. It returns nil after a clean shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	if l.config.Certificate == nil {
		return errors.New("listener: no certificate configured")
	}
	tlsCert, err := l.config.Certificate.TLSCertificate()
	if err != nil {
		return fmt.Errorf("listener: loading certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}

	// Failed handshakes (clients rejecting the self-signed certificate) are
	// routine in development, so they go to the debug log.
	errorLog := slog.NewLogLogger(l.logger.Handler(), slog.LevelDebug)

	server := &http.Server{
		Handler:           l.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          errorLog,
	}

	l.mu.Lock()
	l.server = server
	ln := l.ln
	l.mu.Unlock()

	l.logger.Info("HTTPS proxy server listening", "address", ln.Addr().String(), "port", l.config.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(tls.NewListener(ln, tlsConfig))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	l.logger.Info("shutting down HTTPS listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.logger.Warn("graceful shutdown timed out, closing connections", "error", err)
		server.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the listener immediately.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return l.server.Close()
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}
