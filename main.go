package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"beegate/config"
	"beegate/db"
	"beegate/ircd"
	"beegate/obs"

	_ "beegate/backend/msim"
)

var (
	configPath    string
	controlSocket string
	port          int
	dbPath        string
	logLevel      string
	logFormat     string
	metricsAddr   string
)

var rootCmd = &cobra.Command{
	Use:          "beegate",
	Short:        "IRC gateway to instant messaging networks",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics of a running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		resp, err := controlRequest(cfg.ControlSocket, "stats")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [reason]",
	Short: "Ask a running gateway to disconnect everybody and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		line := "shutdown"
		if len(args) > 0 {
			line += "|" + args[0]
		}
		resp, err := controlRequest(cfg.ControlSocket, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "ini file with a [gateway] section")
	pf.StringVar(&controlSocket, "control-socket", "", "path of the control socket")
	pf.IntVarP(&port, "port", "p", 0, "IRC port to listen on")
	pf.StringVar(&dbPath, "db", "", "SQLite database path")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&logFormat, "log-format", "", "text or json")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "address for /metrics, /healthz and /stats; empty string disables")

	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd)
}

// loadConfig layers explicitly given flags over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("control-socket") {
		cfg.ControlSocket = controlSocket
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := obs.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)
	obs.Init()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	srv := ircd.New(database, &ircd.ServerConfig{
		Port:         cfg.Port,
		Hostname:     cfg.Hostname,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		Keepalive:    time.Duration(cfg.Keepalive) * time.Second,
		TransferDir:  cfg.TransferDir,
		FloodRate:    float64(cfg.FloodRate),
		FloodBurst:   cfg.FloodBurst,
	}, log)

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           obs.NewRouter(func() any { return srv.GetStats() }),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	control, err := startControlSocket(cfg.ControlSocket, srv, log)
	if err != nil {
		log.Warn("control socket unavailable", "path", cfg.ControlSocket, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- srv.Start() }()

	reason := "maintenance"
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case reason = <-control.Requests():
		log.Info("shutdown requested", "reason", reason)
	case err := <-served:
		control.Close()
		return err
	}

	srv.Shutdown(reason)
	control.Close()
	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(sctx)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
