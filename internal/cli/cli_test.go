package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbmerrall/proxystarter/internal/pidfile"
)

const testPEM = "-----BEGIN CERTIFICATE-----\nMOCK\n-----END CERTIFICATE-----\n"

func newTestClient(serverURL string) (*Client, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Client{baseURL: serverURL, httpClient: &http.Client{}, out: out}, out
}

func TestNewClient(t *testing.T) {
	client := NewClient(8081)
	assert.Equal(t, "http://127.0.0.1:8081", client.baseURL)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.out)
}

func TestRun(t *testing.T) {
	t.Run("No command provided", func(t *testing.T) {
		err := Run(8081, 9090, []string{})
		require.Error(t, err)
		assert.Equal(t, "no command provided", err.Error())
	})

	t.Run("Unknown command", func(t *testing.T) {
		err := Run(8081, 9090, []string{"purge"})
		require.Error(t, err)
		assert.Equal(t, "unknown command: purge", err.Error())
	})

	t.Run("Status without control port", func(t *testing.T) {
		err := Run(0, 9090, []string{"status"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "control_port")
	})

	t.Run("Export without control port", func(t *testing.T) {
		err := Run(0, 9090, []string{"export-cert"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "control_port")
	})
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"requests":        12,
			"upstream_errors": 3,
			"bytes_streamed":  4096,
			"uptime_seconds":  "60.00",
		})
	}))
	defer server.Close()

	client, out := newTestClient(server.URL)
	require.NoError(t, client.GetStatus())
	assert.Contains(t, out.String(), "Requests: 12")
	assert.Contains(t, out.String(), "Upstream errors: 3")
	assert.Contains(t, out.String(), "Bytes streamed: 4096")
	assert.Contains(t, out.String(), "Uptime: 60.00 seconds")
}

func TestGetStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	assert.Error(t, client.GetStatus())
}

func TestGetStatusUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, _ := newTestClient(url)
	err := client.GetStatus()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not connect")
}

func TestExportCert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cert" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write([]byte(testPEM))
	}))
	defer server.Close()

	dir := t.TempDir()
	client, out := newTestClient(server.URL)

	path := filepath.Join(dir, "custom.pem")
	require.NoError(t, client.ExportCert(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testPEM, string(data))
	assert.Contains(t, out.String(), path)

	t.Run("default filename", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(dir))
		defer os.Chdir(wd)

		require.NoError(t, client.ExportCert(""))
		_, err = os.Stat(filepath.Join(dir, defaultCertFilename))
		assert.NoError(t, err)
	})
}

func TestExportCertError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Certificate not provisioned", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	path := filepath.Join(t.TempDir(), "cert.pem")
	assert.Error(t, client.ExportCert(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExportCertFileWriteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testPEM))
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	assert.Error(t, client.ExportCert("/invalid/path/cert.pem"))
}

func TestStopWithoutPIDFile(t *testing.T) {
	pidfile.SetPIDFilePath(filepath.Join(t.TempDir(), "missing.pid"))
	defer pidfile.SetPIDFilePath("")

	err := Run(0, 9090, []string{"stop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read pidfile")
}

func TestStopWithStalePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxystarter.pid")
	pidfile.SetPIDFilePath(path)
	defer pidfile.SetPIDFilePath("")

	exited := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, exited.Run())
	stale := exited.ProcessState.Pid()
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(stale)), 0644))

	err := Run(0, 9090, []string{"stop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.Contains(t, err.Error(), strconv.Itoa(stale))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale pidfile should be removed")
}
