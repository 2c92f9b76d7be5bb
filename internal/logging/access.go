package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Outcome values recorded for each proxied request.
const (
	OutcomeForwarded     = "FORWARDED"
	OutcomeUpstreamError = "UPSTREAM_ERROR"
	OutcomeAborted       = "ABORTED"
)

// AccessLogEntry represents a single access log entry
type AccessLogEntry struct {
	Timestamp time.Time
	Outcome   string
	Status    int
	Method    string
	Size      int64 // Response size in bytes
	Duration  int64 // Response time in milliseconds
	URL       string
	Upstream  string
}

// AccessLogFormat represents the output format for access logs
type AccessLogFormat string

const (
	FormatHuman AccessLogFormat = "human"
	FormatJSON  AccessLogFormat = "json"
)

// AccessLogger handles async access logging to multiple outputs
type AccessLogger struct {
	mu      sync.RWMutex
	entries chan AccessLogEntry
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	format     AccessLogFormat
	stdout     io.Writer
	fileWriter io.WriteCloser

	errorHandler func(error)

	// Metrics (protected by mu)
	entriesLogged  uint64
	entriesDropped uint64
	writeErrors    uint64
}

// AccessLoggerConfig configures an AccessLogger
type AccessLoggerConfig struct {
	Format        AccessLogFormat
	StdoutEnabled bool
	Stdout        io.Writer // defaults to os.Stdout
	LogFile       string
	BufferSize    int         // Channel buffer size, default 1000
	ErrorHandler  func(error) // Optional error handler
}

// NewAccessLogger creates a new access logger. A log file that cannot be
// opened is reported through the error handler and file logging is skipped.
func NewAccessLogger(config AccessLoggerConfig) (*AccessLogger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	logger := &AccessLogger{
		entries:      make(chan AccessLogEntry, config.BufferSize),
		done:         make(chan struct{}),
		format:       config.Format,
		errorHandler: config.ErrorHandler,
	}
	if config.StdoutEnabled {
		logger.stdout = config.Stdout
		if logger.stdout == nil {
			logger.stdout = os.Stdout
		}
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.reportError(fmt.Errorf("failed to open access log file %s, continuing without file logging: %w", config.LogFile, err))
		} else {
			logger.fileWriter = file
		}
	}

	logger.wg.Add(1)
	go logger.worker()

	return logger, nil
}

// Log adds an entry to the access log (non-blocking)
func (al *AccessLogger) Log(entry AccessLogEntry) {
	select {
	case al.entries <- entry:
		al.mu.Lock()
		al.entriesLogged++
		al.mu.Unlock()
	default:
		al.mu.Lock()
		al.entriesDropped++
		al.mu.Unlock()
		al.reportError(fmt.Errorf("access log buffer full, dropping entry"))
	}
}

// LogRequest is a convenience method to log a proxied request
func (al *AccessLogger) LogRequest(method, url, upstream, outcome string, status int, size int64, duration time.Duration) {
	al.Log(AccessLogEntry{
		Timestamp: time.Now(),
		Outcome:   outcome,
		Status:    status,
		Method:    method,
		Size:      size,
		Duration:  duration.Milliseconds(),
		URL:       url,
		Upstream:  upstream,
	})
}

// Close flushes queued entries and closes the log file.
func (al *AccessLogger) Close() error {
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return nil
	}
	al.closed = true
	al.mu.Unlock()

	close(al.done)
	al.wg.Wait()

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.fileWriter != nil {
		return al.fileWriter.Close()
	}
	return nil
}

func (al *AccessLogger) worker() {
	defer al.wg.Done()

	for {
		select {
		case entry := <-al.entries:
			al.writeEntry(entry)
		case <-al.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-al.entries:
					al.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (al *AccessLogger) writeEntry(entry AccessLogEntry) {
	var output string
	var err error

	switch al.format {
	case FormatHuman:
		output = formatHuman(entry)
	case FormatJSON:
		output, err = formatJSON(entry)
		if err != nil {
			al.reportError(fmt.Errorf("failed to format JSON: %w", err))
			return
		}
	default:
		al.reportError(fmt.Errorf("unknown format: %s", al.format))
		return
	}

	if al.stdout != nil {
		if _, err := fmt.Fprintln(al.stdout, output); err != nil {
			al.countWriteError()
			al.reportError(fmt.Errorf("failed to write to stdout: %w", err))
		}
	}

	al.mu.RLock()
	fileWriter := al.fileWriter
	al.mu.RUnlock()

	if fileWriter != nil {
		if _, err := fmt.Fprintln(fileWriter, output); err != nil {
			al.countWriteError()
			al.reportError(fmt.Errorf("failed to write to file: %w", err))
		}
	}
}

func (al *AccessLogger) countWriteError() {
	al.mu.Lock()
	al.writeErrors++
	al.mu.Unlock()
}

func (al *AccessLogger) reportError(err error) {
	if al.errorHandler != nil {
		al.errorHandler(err)
		return
	}
	DefaultErrorHandler(err)
}

// formatHuman formats the entry as space-separated fields:
// timestamp outcome status method size duration_ms url upstream
func formatHuman(entry AccessLogEntry) string {
	upstream := entry.Upstream
	if upstream == "" {
		upstream = `""`
	}
	return fmt.Sprintf("%s %s %d %s %d %d %s %s",
		entry.Timestamp.Format(time.RFC3339),
		entry.Outcome,
		entry.Status,
		entry.Method,
		entry.Size,
		entry.Duration,
		entry.URL,
		upstream,
	)
}

func formatJSON(entry AccessLogEntry) (string, error) {
	jsonEntry := struct {
		Timestamp  string `json:"timestamp"`
		Outcome    string `json:"outcome"`
		Status     int    `json:"status"`
		Method     string `json:"method"`
		Size       int64  `json:"size"`
		DurationMs int64  `json:"duration_ms"`
		URL        string `json:"url"`
		Upstream   string `json:"upstream"`
	}{
		Timestamp:  entry.Timestamp.Format(time.RFC3339),
		Outcome:    entry.Outcome,
		Status:     entry.Status,
		Method:     entry.Method,
		Size:       entry.Size,
		DurationMs: entry.Duration,
		URL:        entry.URL,
		Upstream:   entry.Upstream,
	}

	data, err := json.Marshal(jsonEntry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CountingResponseWriter wraps an http.ResponseWriter to count bytes written
type CountingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// NewCountingResponseWriter creates a new CountingResponseWriter
func NewCountingResponseWriter(w http.ResponseWriter) *CountingResponseWriter {
	return &CountingResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (crw *CountingResponseWriter) Write(data []byte) (int, error) {
	n, err := crw.ResponseWriter.Write(data)
	crw.size += int64(n)
	return n, err
}

func (crw *CountingResponseWriter) WriteHeader(statusCode int) {
	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
}

// Flush forwards to the underlying writer when it supports flushing.
func (crw *CountingResponseWriter) Flush() {
	if f, ok := crw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (crw *CountingResponseWriter) Unwrap() http.ResponseWriter {
	return crw.ResponseWriter
}

func (crw *CountingResponseWriter) StatusCode() int {
	return crw.statusCode
}

func (crw *CountingResponseWriter) Size() int64 {
	return crw.size
}

// AccessLoggerMetrics contains metrics about the access logger's performance
type AccessLoggerMetrics struct {
	EntriesLogged  uint64 // Total entries successfully queued for logging
	EntriesDropped uint64 // Total entries dropped due to buffer overflow
	WriteErrors    uint64 // Total write errors (stdout/file)
}

// GetMetrics returns current metrics for the access logger
func (al *AccessLogger) GetMetrics() AccessLoggerMetrics {
	al.mu.RLock()
	defer al.mu.RUnlock()

	return AccessLoggerMetrics{
		EntriesLogged:  al.entriesLogged,
		EntriesDropped: al.entriesDropped,
		WriteErrors:    al.writeErrors,
	}
}

// DefaultErrorHandler provides a default error handler that logs to stderr
func DefaultErrorHandler(err error) {
	log.Printf("access log error: %v", err)
}
