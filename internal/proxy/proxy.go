package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/gbmerrall/proxystarter/internal/logging"
)

const (
	badGatewayBody        = "Bad gateway"
	badGatewayContentType = "text/plain"
)

// Hop-by-hop headers. These are removed when sent to the upstream and when
// relayed back to the client.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamError reports a failure talking to the upstream target.
type UpstreamError struct {
	Op     string // "connect", "timeout", "roundtrip" or "read"
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Options tunes the upstream transport.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration // 0 means no limit
	InsecureSkipVerify    bool          // for self-signed https upstreams
	DisableKeepAlives     bool          // fresh upstream connection per request
}

// Stats are counters of the engine's activity since start.
type Stats struct {
	Requests       uint64
	UpstreamErrors uint64
	BytesStreamed  uint64
}

// Engine forwards every request it serves to a single Target.
type Engine struct {
	logger    *slog.Logger
	target    *Target
	transport http.RoundTripper
	accessLog *logging.AccessLogger

	requests       atomic.Uint64
	upstreamErrors atomic.Uint64
	bytesStreamed  atomic.Uint64
}

// NewEngine creates an Engine for target.
func NewEngine(logger *slog.Logger, target *Target, opts Options) *Engine {
	return &Engine{
		logger:    logger,
		target:    target,
		transport: newTransport(opts),
	}
}

func newTransport(opts Options) *http.Transport {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableKeepAlives:     opts.DisableKeepAlives,
		// Bodies are relayed as-is, never transparently decoded.
		DisableCompression:  true,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// SetTransport replaces the upstream transport.
func (e *Engine) SetTransport(transport http.RoundTripper) {
	e.transport = transport
}

// SetAccessLogger enables access logging for served requests.
func (e *Engine) SetAccessLogger(al *logging.AccessLogger) {
	e.accessLog = al
}

// Target returns the upstream target.
func (e *Engine) Target() *Target {
	return e.target
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:       e.requests.Load(),
		UpstreamErrors: e.upstreamErrors.Load(),
		BytesStreamed:  e.bytesStreamed.Load(),
	}
}

// Forward sends r to the target and returns the upstream response with its
// body unread. The caller must close the body. Any failure reaching the
// upstream is returned as *UpstreamError.
func (e *Engine) Forward(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = e.target.Scheme
	out.URL.Host = e.target.HostHeader()
	out.Host = e.target.HostHeader()
	out.RequestURI = ""
	out.Close = false
	if r.ContentLength == 0 {
		out.Body = nil
	}

	removeHopHeaders(out.Header)
	// Keep "TE: trailers" so gRPC-style upstreams still see it.
	if httpguts.HeaderValuesContainsToken(r.Header["Te"], "trailers") {
		out.Header.Set("Te", "trailers")
	}
	// net/http adds its own User-Agent when absent.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}

	resp, err := e.transport.RoundTrip(out)
	if err != nil {
		return nil, &UpstreamError{
			Op:     classify(err),
			Target: e.target.String(),
			Err:    pkgerrors.Wrapf(err, "%s %s", r.Method, r.URL.RequestURI()),
		}
	}

	removeHopHeaders(resp.Header)
	return resp, nil
}

func classify(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "connect"
	}
	return "roundtrip"
}

// removeHopHeaders deletes hop-by-hop headers, including any named in the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ServeHTTP forwards the request and relays the upstream response, or answers
// 502 "Bad gateway" when the upstream cannot be reached.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	e.requests.Add(1)
	crw := logging.NewCountingResponseWriter(w)

	resp, err := e.Forward(r)
	if err != nil {
		if r.Context().Err() != nil {
			// Nothing to write to: the client connection is gone.
			e.logger.Debug("client went away before upstream responded", "method", r.Method, "path", r.URL.Path, "error", err)
			e.logAccess(r, crw, logging.OutcomeAborted, start)
			return
		}
		e.upstreamErrors.Add(1)
		e.logger.Error("proxy error", "error", err, "method", r.Method, "path", r.URL.Path, "target", e.target.String())
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			e.logger.Debug("proxy error trace", "trace", fmt.Sprintf("%+v", upErr.Err))
		}
		writeBadGateway(crw)
		e.logAccess(r, crw, logging.OutcomeUpstreamError, start)
		return
	}
	defer resp.Body.Close()

	h := crw.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			h.Add(key, value)
		}
	}
	if len(resp.Trailer) > 0 {
		names := make([]string, 0, len(resp.Trailer))
		for name := range resp.Trailer {
			names = append(names, name)
		}
		h.Add("Trailer", strings.Join(names, ", "))
	}
	crw.WriteHeader(resp.StatusCode)

	n, err := e.copyResponse(crw, resp.Body)
	e.bytesStreamed.Add(uint64(n))
	if err != nil {
		if r.Context().Err() != nil || errors.Is(err, context.Canceled) {
			e.logger.Debug("client disconnected during response", "method", r.Method, "path", r.URL.Path, "bytes", n)
		} else {
			e.logger.Error("failed to relay upstream response", "error", err, "method", r.Method, "path", r.URL.Path, "bytes", n)
		}
		e.logAccess(r, crw, logging.OutcomeAborted, start)
		// Headers are already sent; abort so the client does not mistake a
		// truncated body for a complete one.
		panic(http.ErrAbortHandler)
	}

	for key, values := range resp.Trailer {
		for _, value := range values {
			h.Add(key, value)
		}
	}
	e.logAccess(r, crw, logging.OutcomeForwarded, start)
}

// copyResponse streams src to w, flushing after every chunk.
func (e *Engine) copyResponse(w *logging.CountingResponseWriter, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &UpstreamError{Op: "read", Target: e.target.String(), Err: rerr}
		}
	}
}

func writeBadGateway(w http.ResponseWriter) {
	h := w.Header()
	for key := range h {
		delete(h, key)
	}
	h.Set("Content-Type", badGatewayContentType)
	w.WriteHeader(http.StatusBadGateway)
	io.WriteString(w, badGatewayBody)
}

func (e *Engine) logAccess(r *http.Request, crw *logging.CountingResponseWriter, outcome string, start time.Time) {
	if e.accessLog == nil {
		return
	}
	e.accessLog.LogRequest(r.Method, r.URL.RequestURI(), e.target.Address(), outcome, crw.StatusCode(), crw.Size(), time.Since(start))
}
