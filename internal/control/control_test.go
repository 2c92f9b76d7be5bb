package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbmerrall/proxystarter/internal/cert"
	"github.com/gbmerrall/proxystarter/internal/config"
	"github.com/gbmerrall/proxystarter/internal/proxy"
)

func setupTestAPI(t *testing.T, shutdown func()) (*ControlAPI, *proxy.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	c, err := cert.NewProvisioner(logger, nil).Ensure(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	require.NoError(t, err)

	target, err := proxy.ParseTarget("http://localhost:8080")
	require.NoError(t, err)
	engine := proxy.NewEngine(logger, target, proxy.Options{})

	cfg := config.NewDefaultConfig()
	if shutdown == nil {
		shutdown = func() {}
	}
	return NewControlAPI(logger, cfg, engine, c, shutdown), engine
}

func TestControlAPI(t *testing.T) {
	shutdownCalled := make(chan struct{})
	api, _ := setupTestAPI(t, func() { close(shutdownCalled) })

	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	t.Run("Root", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "control API")
	})

	t.Run("Unknown path", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/purge/all")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Stats endpoint", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var stats map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		for _, key := range []string{"requests", "upstream_errors", "bytes_streamed", "uptime_seconds"} {
			assert.Contains(t, stats, key)
		}
	})

	t.Run("Cert endpoint", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/cert")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), CertFilename)

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, string(api.certificate.CertPEM), string(body))
	})

	t.Run("Health endpoint", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var health map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "ok", health["status"])
		assert.Equal(t, "http://localhost:8080", health["target"])
		assert.Equal(t, float64(config.DefaultPort), health["port"])
		assert.NotEmpty(t, health["cert_expires"])
	})

	t.Run("Shutdown endpoint", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/shutdown", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		select {
		case <-shutdownCalled:
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown callback was not invoked")
		}
	})
}

func TestStatsReflectEngineActivity(t *testing.T) {
	api, engine := setupTestAPI(t, nil)

	// Point the engine at an address nobody listens on so every request is
	// an upstream error.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "http://" + ln.Addr().String()
	ln.Close()
	deadTarget, err := proxy.ParseTarget(dead)
	require.NoError(t, err)
	*engine.Target() = *deadTarget

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	}

	w := httptest.NewRecorder()
	api.handleStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, float64(2), stats["requests"])
	assert.Equal(t, float64(2), stats["upstream_errors"])
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := setupTestAPI(t, nil)

	tests := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodPost, "/stats", api.handleStats},
		{http.MethodPost, "/cert", api.handleCert},
		{http.MethodPost, "/health", api.handleHealth},
		{http.MethodGet, "/shutdown", api.handleShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestHandleCertNotProvisioned(t *testing.T) {
	api, _ := setupTestAPI(t, nil)
	api.certificate = nil

	w := httptest.NewRecorder()
	api.handleCert(w, httptest.NewRequest(http.MethodGet, "/cert", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStartDisabled(t *testing.T) {
	api, _ := setupTestAPI(t, nil)
	err := api.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestStartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	api, _ := setupTestAPI(t, nil)
	api.config.Server.ControlPort = port
	api.server.Addr = net.JoinHostPort(bindAddress, strconv.Itoa(port))

	done := make(chan error, 1)
	go func() { done <- api.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + api.server.Addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, api.Shutdown(ctx))
	assert.True(t, errors.Is(<-done, http.ErrServerClosed))
}
