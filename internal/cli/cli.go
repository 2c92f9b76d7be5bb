package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gbmerrall/proxystarter/internal/pidfile"
)

const defaultCertFilename = "proxystarter-cert.pem"

// Client is used to interact with the proxystarter Control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	out        io.Writer
}

// NewClient creates a new Client for the Control API.
func NewClient(port int) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		out:        os.Stdout,
	}
}

// Run executes a command based on the provided arguments. controlPort is the
// control API port; proxyPort selects the PID file used by stop.
func Run(controlPort, proxyPort int, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("no command provided")
	}

	command := args[0]
	switch command {
	case "status", "export-cert":
		if controlPort <= 0 {
			return fmt.Errorf("%s requires the control API; set control_port in the config file", command)
		}
	}

	client := NewClient(controlPort)
	switch command {
	case "status":
		return client.GetStatus()
	case "export-cert":
		var filename string
		if len(args) > 1 {
			filename = args[1]
		}
		return client.ExportCert(filename)
	case "stop":
		return stopDaemon(proxyPort)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func stopDaemon(port int) error {
	pid, err := pidfile.Read(port)
	if err != nil {
		return fmt.Errorf("could not read pidfile: %w. Is proxystarter running on port %d?", err, port)
	}

	if _, ok := pidfile.Running(port); !ok {
		pidfile.Remove(port)
		return fmt.Errorf("proxystarter is not running on port %d (removed stale pidfile for pid %d)", port, pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process with pid %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}

	fmt.Println("proxystarter stopped.")
	// The server removes its own pidfile on exit.
	return nil
}

// GetStatus fetches and displays the proxy statistics.
func (c *Client) GetStatus() error {
	resp, err := c.httpClient.Get(c.baseURL + "/stats")
	if err != nil {
		return fmt.Errorf("could not connect to proxystarter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned non-200 status: %s\n%s", resp.Status, string(body))
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("could not decode server response: %w", err)
	}

	fmt.Fprintln(c.out, "proxystarter status:")
	fmt.Fprintf(c.out, "  Uptime: %s seconds\n", stats["uptime_seconds"])
	fmt.Fprintf(c.out, "  Requests: %.0f\n", stats["requests"])
	fmt.Fprintf(c.out, "  Upstream errors: %.0f\n", stats["upstream_errors"])
	fmt.Fprintf(c.out, "  Bytes streamed: %.0f\n", stats["bytes_streamed"])

	return nil
}

// ExportCert fetches the served certificate and saves it to a file.
func (c *Client) ExportCert(filename string) error {
	resp, err := c.httpClient.Get(c.baseURL + "/cert")
	if err != nil {
		return fmt.Errorf("could not connect to proxystarter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned non-200 status: %s\n%s", resp.Status, string(body))
	}

	if filename == "" {
		filename = defaultCertFilename
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Certificate exported to %s\n", filename)
	return nil
}
