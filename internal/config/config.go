package config

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort      = 9090
	DefaultTargetURL = "http://localhost:8080"
	DefaultCertFile  = "./ssl_cert.txt"
	DefaultKeyFile   = "./ssl_privatekey.txt"
)

var schemePattern = regexp.MustCompile(`(?i)^https?://`)

type Config struct {
	Server     ServerConfig  `toml:"server"`
	Target     TargetConfig  `toml:"target"`
	Cert       CertConfig    `toml:"cert"`
	Logging    LoggingConfig `toml:"logging"`
	LoadedPath string        `toml:"-"` // To be populated after loading
}

type ServerConfig struct {
	Port        int    `toml:"port"`
	BindAddress string `toml:"bind_address"`
	ControlPort int    `toml:"control_port"` // 0 disables the control API
}

type TargetConfig struct {
	URL                   string `toml:"url"`
	DialTimeout           string `toml:"dial_timeout"`
	ResponseHeaderTimeout string `toml:"response_header_timeout"`
	InsecureSkipVerify    bool   `toml:"insecure_skip_verify"`
	DisableKeepAlives     bool   `toml:"disable_keep_alives"`
}

type CertConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type LoggingConfig struct {
	AppLevel   string `toml:"app_level"`
	AppLogfile string `toml:"app_logfile"`

	// Access logs
	AccessToStdout bool   `toml:"access_to_stdout"`
	AccessLogfile  string `toml:"access_logfile"`
	AccessFormat   string `toml:"access_format"`
}

// GetDialTimeout returns the upstream connect timeout, 10s when unset or invalid.
func (t *TargetConfig) GetDialTimeout() time.Duration {
	d, err := time.ParseDuration(t.DialTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetResponseHeaderTimeout returns how long to wait for upstream response
// headers. Zero means no limit.
func (t *TargetConfig) GetResponseHeaderTimeout() time.Duration {
	d, err := time.ParseDuration(t.ResponseHeaderTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ValidateAccessFormat validates the access log format
func (l *LoggingConfig) ValidateAccessFormat() string {
	switch l.AccessFormat {
	case "human", "json":
		return l.AccessFormat
	case "":
		return "human"
	default:
		slog.Warn("config: invalid access_format, using default", "invalid", l.AccessFormat, "default", "human")
		return "human"
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        DefaultPort,
			BindAddress: "0.0.0.0",
			ControlPort: 0,
		},
		Target: TargetConfig{
			URL:                   DefaultTargetURL,
			DialTimeout:           "10s",
			ResponseHeaderTimeout: "",
		},
		Cert: CertConfig{
			CertFile: DefaultCertFile,
			KeyFile:  DefaultKeyFile,
		},
		Logging: LoggingConfig{
			AppLevel:       "info",
			AccessToStdout: true,
			AccessFormat:   "human",
		},
	}
}

// ParsePort parses a PORT value, falling back to DefaultPort when it is not a
// usable TCP port.
func ParsePort(s string) int {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 0 || port > 65535 {
		return DefaultPort
	}
	return port
}

// NormalizeTargetURL prefixes http:// when the target carries no scheme.
func NormalizeTargetURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Any other explicit scheme is left for the caller to reject.
	if !schemePattern.MatchString(s) && !strings.Contains(s, "://") {
		return "http://" + s
	}
	return s
}

// ApplyArgs applies KEY=VALUE positional arguments (PORT=9443 TARGET_URL=...)
// on top of the loaded configuration. Unknown keys are returned untouched.
func (c *Config) ApplyArgs(args []string) []string {
	var rest []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			rest = append(rest, arg)
			continue
		}
		switch key {
		case "PORT":
			c.Server.Port = ParsePort(value)
		case "TARGET_URL":
			if v := strings.TrimSpace(value); v != "" {
				c.Target.URL = v
			}
		default:
			rest = append(rest, arg)
		}
	}
	c.Target.URL = NormalizeTargetURL(c.Target.URL)
	return rest
}

func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	configPath := path
	if configPath == "" {
		// Search standard locations only if no path is provided.
		locations := []string{
			"./proxystarter.toml",
			os.ExpandEnv("$HOME/.config/proxystarter/config.toml"),
			"/etc/proxystarter/config.toml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, err
		}
		cfg.LoadedPath = configPath
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		slog.Warn("config: invalid port, using default", "invalid", cfg.Server.Port, "default", DefaultPort)
		cfg.Server.Port = DefaultPort
	}
	if cfg.Target.URL == "" {
		cfg.Target.URL = DefaultTargetURL
	}
	cfg.Target.URL = NormalizeTargetURL(cfg.Target.URL)

	if cfg.Cert.CertFile == "" {
		cfg.Cert.CertFile = DefaultCertFile
	}
	if cfg.Cert.KeyFile == "" {
		cfg.Cert.KeyFile = DefaultKeyFile
	}

	if cfg.Logging.AppLevel != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(cfg.Logging.AppLevel)] {
			slog.Warn("config: invalid app_level, disabling application logging", "invalid", cfg.Logging.AppLevel)
			cfg.Logging.AppLevel = ""
		}
	}

	cfg.Logging.AccessFormat = cfg.Logging.ValidateAccessFormat()

	return cfg, nil
}
