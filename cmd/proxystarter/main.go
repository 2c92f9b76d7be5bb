package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gbmerrall/proxystarter/internal/cert"
	"github.com/gbmerrall/proxystarter/internal/cli"
	"github.com/gbmerrall/proxystarter/internal/config"
	"github.com/gbmerrall/proxystarter/internal/control"
	"github.com/gbmerrall/proxystarter/internal/listener"
	"github.com/gbmerrall/proxystarter/internal/logging"
	"github.com/gbmerrall/proxystarter/internal/pidfile"
	"github.com/gbmerrall/proxystarter/internal/proxy"
)

var exit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

type options struct {
	configPath string
	daemon     bool
	logLevel   string
	port       int
	target     string
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{}
	fs := flag.NewFlagSet("proxystarter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.BoolVar(&opts.daemon, "daemon", false, "Run as a background daemon")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.IntVar(&opts.port, "port", -1, "HTTPS listen port (overrides PORT= and the config file)")
	fs.StringVar(&opts.target, "target", "", "Upstream target URL (overrides TARGET_URL= and the config file)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage of proxystarter:\n")
		fmt.Fprintf(fs.Output(), "  proxystarter [flags] [PORT=9090] [TARGET_URL=http://localhost:8080]\n")
		fmt.Fprintf(fs.Output(), "  proxystarter [flags] status | export-cert [file] | stop\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs.Args(), nil
}

// loadConfig layers defaults, the config file, PORT=/TARGET_URL= arguments
// and finally the -port/-target flags.
func loadConfig(opts *options, args []string) (*config.Config, []string, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	rest := cfg.ApplyArgs(args)
	if opts.port >= 0 {
		cfg.Server.Port = opts.port
	}
	if opts.target != "" {
		cfg.Target.URL = config.NormalizeTargetURL(opts.target)
	}
	if opts.logLevel != "" {
		cfg.Logging.AppLevel = opts.logLevel
	}
	return cfg, rest, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, positional, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, rest, err := loadConfig(opts, positional)
	if err != nil {
		return err
	}

	if len(rest) > 0 {
		return cli.Run(cfg.Server.ControlPort, cfg.Server.Port, rest)
	}

	if opts.daemon {
		return startDaemon(cfg.Server.Port, args, stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return startServer(ctx, cfg, stdout)
}

func startDaemon(port int, args []string, stdout io.Writer) error {
	if pid, ok := pidfile.Running(port); ok {
		return fmt.Errorf("proxystarter is already running on port %d (pid %d)", port, pid)
	}
	cmd := exec.Command(os.Args[0], daemonChildArgs(args)...)
	cmd.SysProcAttr = getProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Fprintf(stdout, "proxystarter started in background with PID: %d\n", cmd.Process.Pid)
	return nil
}

// daemonChildArgs drops every spelling of the daemon flag so the child runs
// in the foreground.
func daemonChildArgs(args []string) []string {
	childArgs := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			name := strings.TrimLeft(arg, "-")
			if name == "daemon" || strings.HasPrefix(name, "daemon=") {
				continue
			}
		}
		childArgs = append(childArgs, arg)
	}
	return childArgs
}

// startServer provisions the certificate, binds the listener and serves until
// ctx is cancelled or the control API requests shutdown.
func startServer(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	logger, logCloser, err := logging.NewAppLogger(cfg.Logging.AppLevel, cfg.Logging.AppLogfile, stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := pidfile.Write(cfg.Server.Port); errors.Is(err, pidfile.ErrAlreadyRunning) {
		return err
	} else if err != nil {
		logger.Warn("failed to write pidfile", "error", err)
	} else {
		defer pidfile.Remove(cfg.Server.Port)
	}

	certificate, err := cert.NewProvisioner(logger, nil).Ensure(cfg.Cert.CertFile, cfg.Cert.KeyFile)
	if err != nil {
		return fmt.Errorf("certificate provisioning failed: %w", err)
	}

	target, err := proxy.ParseTarget(cfg.Target.URL)
	if err != nil {
		return err
	}
	if target.IgnoredPath != "" {
		logger.Warn("target URL path is ignored, requests are forwarded with their own path",
			"target", cfg.Target.URL, "ignoredPath", target.IgnoredPath)
	}

	engine := proxy.NewEngine(logger, target, proxy.Options{
		DialTimeout:           cfg.Target.GetDialTimeout(),
		ResponseHeaderTimeout: cfg.Target.GetResponseHeaderTimeout(),
		InsecureSkipVerify:    cfg.Target.InsecureSkipVerify,
		DisableKeepAlives:     cfg.Target.DisableKeepAlives,
	})

	if cfg.Logging.AccessToStdout || cfg.Logging.AccessLogfile != "" {
		accessLogger, err := logging.NewAccessLogger(logging.AccessLoggerConfig{
			Format:        logging.AccessLogFormat(cfg.Logging.AccessFormat),
			StdoutEnabled: cfg.Logging.AccessToStdout,
			Stdout:        stdout,
			LogFile:       cfg.Logging.AccessLogfile,
			ErrorHandler: func(err error) {
				logger.Warn("access log error", "error", err)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create access logger: %w", err)
		}
		defer accessLogger.Close()
		engine.SetAccessLogger(accessLogger)
	}

	l := listener.New(logger, listener.Config{
		BindAddress: cfg.Server.BindAddress,
		Port:        cfg.Server.Port,
		Certificate: certificate,
	}, engine)
	if err := l.Bind(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.Serve(gctx)
	})

	if cfg.Server.ControlPort > 0 {
		api := control.NewControlAPI(logger, cfg, engine, certificate, cancel)
		g.Go(func() error {
			if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return api.Shutdown(shutdownCtx)
		})
	}

	logger.Info("proxystarter running", "port", cfg.Server.Port, "target", target.String(), "cert", certificate.CertPath)
	logger.Debug("server configuration", "bindAddress", cfg.Server.BindAddress, "controlPort", cfg.Server.ControlPort, "config", cfg.LoadedPath)

	err = g.Wait()
	logger.Info("proxystarter stopped")
	return err
}
