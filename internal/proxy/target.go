package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gbmerrall/proxystarter/internal/config"
)

// Target is the single upstream origin every request is forwarded to.
type Target struct {
	Scheme string
	Host   string
	Port   string

	// IgnoredPath is any path the raw URL carried. Requests keep their own
	// path; callers should warn when this is set.
	IgnoredPath string
}

// ParseTarget parses a target URL string. A missing scheme means http.
// Only the origin is kept; any path on raw is ignored.
func ParseTarget(raw string) (*Target, error) {
	normalized := config.NormalizeTargetURL(raw)
	if normalized == "" {
		return nil, fmt.Errorf("target URL is empty")
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("target URL %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	target := &Target{Scheme: scheme, Host: host, Port: port}
	if p := u.EscapedPath(); p != "" && p != "/" {
		target.IgnoredPath = p
	}
	return target, nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// Address returns host:port for dialing.
func (t *Target) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// HostHeader is the Host value sent upstream. The port is omitted when it is
// the scheme default.
func (t *Target) HostHeader() string {
	if t.Port == defaultPort(t.Scheme) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Address()
}

// URL returns the origin as a URL.
func (t *Target) URL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.HostHeader()}
}

func (t *Target) String() string {
	return t.URL().String()
}
