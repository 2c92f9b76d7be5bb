package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// EchoResponse is what the test server's /echo endpoint reports about the
// request it received.
type EchoResponse struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query"`
	Host    string              `json:"host"`
	Body    string              `json:"body"`
	Headers map[string][]string `json:"headers"`
}

// TestServer is an upstream with predefined endpoints for proxy tests.
type TestServer struct {
	*httptest.Server
	requestCount   int64
	cancelledCount int64
	delayMS        int64
	release        chan struct{}
}

// NewTestServer starts a plain HTTP test upstream.
func NewTestServer() *TestServer {
	ts := newTestServer()
	ts.Server = httptest.NewServer(ts.mux())
	return ts
}

// NewTestTLSServer starts an HTTPS test upstream with a self-signed certificate.
func NewTestTLSServer() *TestServer {
	ts := newTestServer()
	ts.Server = httptest.NewTLSServer(ts.mux())
	return ts
}

func newTestServer() *TestServer {
	return &TestServer{release: make(chan struct{})}
}

func (ts *TestServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/foo", ts.handleOK)
	mux.HandleFunc("/echo", ts.handleEcho)
	mux.HandleFunc("/status/", ts.handleStatus)
	mux.HandleFunc("/headers", ts.handleHeaders)
	mux.HandleFunc("/slow", ts.handleSlow)
	mux.HandleFunc("/stall", ts.handleStall)
	mux.HandleFunc("/stream", ts.handleStream)
	mux.HandleFunc("/large", ts.handleLarge)
	mux.HandleFunc("/trailer", ts.handleTrailer)
	mux.HandleFunc("/counter", ts.handleCounter)
	return mux
}

// SetDelay sets an artificial delay for /slow responses.
func (ts *TestServer) SetDelay(ms int) {
	atomic.StoreInt64(&ts.delayMS, int64(ms))
}

// Release lets every stalled /stall and /stream handler finish.
func (ts *TestServer) Release() {
	select {
	case <-ts.release:
	default:
		close(ts.release)
	}
}

// Close releases stalled handlers and shuts the server down.
func (ts *TestServer) Close() {
	ts.Release()
	ts.Server.Close()
}

// GetRequestCount returns the total number of requests received
func (ts *TestServer) GetRequestCount() int64 {
	return atomic.LoadInt64(&ts.requestCount)
}

// GetCancelledCount returns how many handlers saw their request context
// cancelled before finishing.
func (ts *TestServer) GetCancelledCount() int64 {
	return atomic.LoadInt64(&ts.cancelledCount)
}

func (ts *TestServer) handleOK(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (ts *TestServer) handleEcho(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	body, _ := io.ReadAll(r.Body)
	resp := EchoResponse{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Host:    r.Host,
		Body:    string(body),
		Headers: r.Header,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// /status/{code} answers with that status code.
func (ts *TestServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
	if err != nil || code < 100 || code > 999 {
		http.Error(w, "bad status", http.StatusBadRequest)
		return
	}
	w.Header().Set("X-Upstream-Status", strconv.Itoa(code))
	w.WriteHeader(code)
	w.Write([]byte(http.StatusText(code)))
}

func (ts *TestServer) handleHeaders(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Header().Set("X-Custom-Header", "custom-value")
	w.Header().Add("Set-Cookie", "a=1; Path=/")
	w.Header().Add("Set-Cookie", "b=2; Path=/")
	w.Header().Set("Connection", "X-Hop")
	w.Header().Set("X-Hop", "should-be-removed")
	w.Write([]byte("<html>headers</html>"))
}

func (ts *TestServer) handleSlow(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	delay := time.Duration(atomic.LoadInt64(&ts.delayMS)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-r.Context().Done():
		atomic.AddInt64(&ts.cancelledCount, 1)
		return
	}
	w.Write([]byte("slow"))
}

// /stall blocks before sending headers until Release or cancellation.
func (ts *TestServer) handleStall(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	select {
	case <-ts.release:
		w.Write([]byte("released"))
	case <-r.Context().Done():
		atomic.AddInt64(&ts.cancelledCount, 1)
	}
}

// /stream sends a first chunk immediately and the rest after Release.
func (ts *TestServer) handleStream(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("first\n"))
	w.(http.Flusher).Flush()

	select {
	case <-ts.release:
		w.Write([]byte("second\n"))
	case <-r.Context().Done():
		atomic.AddInt64(&ts.cancelledCount, 1)
	}
}

func (ts *TestServer) handleLarge(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "application/octet-stream")
	chunk := strings.Repeat("0123456789abcdef", 4096)
	for i := 0; i < 16; i++ {
		w.Write([]byte(chunk))
	}
}

func (ts *TestServer) handleTrailer(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Trailer", "X-Checksum")
	w.Write([]byte("body"))
	w.Header().Set("X-Checksum", "abc123")
}

func (ts *TestServer) handleCounter(w http.ResponseWriter, r *http.Request) {
	count := atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(strconv.FormatInt(count, 10)))
}
