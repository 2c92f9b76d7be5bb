package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gbmerrall/proxystarter/internal/cert"
	"github.com/gbmerrall/proxystarter/internal/config"
	"github.com/gbmerrall/proxystarter/internal/proxy"
)

// The control API is only ever reachable from the local machine.
const bindAddress = "127.0.0.1"

// CertFilename is the suggested download name for the served certificate.
const CertFilename = "proxystarter-cert.pem"

// ControlAPI provides an HTTP interface for inspecting and stopping the proxy.
type ControlAPI struct {
	logger      *slog.Logger
	config      *config.Config
	engine      *proxy.Engine
	certificate *cert.Certificate
	startTime   time.Time
	server      *http.Server
	shutdown    func() // Function to trigger graceful shutdown
}

// NewControlAPI creates a new ControlAPI instance.
func NewControlAPI(logger *slog.Logger, cfg *config.Config, engine *proxy.Engine, certificate *cert.Certificate, shutdown func()) *ControlAPI {
	api := &ControlAPI{
		logger:      logger,
		config:      cfg,
		engine:      engine,
		certificate: certificate,
		startTime:   time.Now(),
		shutdown:    shutdown,
	}
	api.server = &http.Server{
		Addr:              net.JoinHostPort(bindAddress, strconv.Itoa(cfg.Server.ControlPort)),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return api
}

// Handler returns the control API routes.
func (a *ControlAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/cert", a.handleCert)
	mux.HandleFunc("/shutdown", a.handleShutdown)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "proxystarter control API")
	})
	return mux
}

// Start runs the Control API server. It returns http.ErrServerClosed after
// Shutdown.
func (a *ControlAPI) Start() error {
	if a.config.Server.ControlPort <= 0 {
		return fmt.Errorf("control API disabled: control_port is %d", a.config.Server.ControlPort)
	}
	a.logger.Info("starting control API", "address", a.server.Addr)
	return a.server.ListenAndServe()
}

// Shutdown gracefully shuts down the control API server.
func (a *ControlAPI) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down control API")
	return a.server.Shutdown(ctx)
}

func (a *ControlAPI) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.logger.Info("shutdown request received via API")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Shutdown initiated...")

	go a.shutdown()
}

func (a *ControlAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.logger.Debug("stats endpoint accessed", "remoteAddr", r.RemoteAddr)
	stats := a.engine.Stats()
	response := map[string]interface{}{
		"requests":        stats.Requests,
		"upstream_errors": stats.UpstreamErrors,
		"bytes_streamed":  stats.BytesStreamed,
		"uptime_seconds":  fmt.Sprintf("%.2f", time.Since(a.startTime).Seconds()),
	}
	writeJSON(w, a.logger, response)
}

func (a *ControlAPI) handleCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.certificate == nil || len(a.certificate.CertPEM) == 0 {
		http.Error(w, "Certificate not provisioned", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+CertFilename+"\"")
	if _, err := w.Write(a.certificate.CertPEM); err != nil {
		a.logger.Error("failed to write certificate", "error", err)
	}
}

func (a *ControlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := map[string]interface{}{
		"status":      "ok",
		"go_version":  runtime.Version(),
		"uptime":      time.Since(a.startTime).String(),
		"target":      a.engine.Target().String(),
		"port":        a.config.Server.Port,
		"config_file": a.config.LoadedPath,
	}
	if a.certificate != nil {
		if leaf, err := a.certificate.Leaf(); err == nil {
			response["cert_expires"] = leaf.NotAfter.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, a.logger, response)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
