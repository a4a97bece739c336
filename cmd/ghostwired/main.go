/*
ghostwired - MITM HTTP(S)/WebSocket forward proxy with per-host browser
fingerprint impersonation.

Usage:

	ghostwired [flags]
	ghostwired version
	ghostwired generate-ca [--force]
	ghostwired config dump
	ghostwired config validate
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ushineko/ghostwire/internal/certstore"
	"github.com/ushineko/ghostwire/internal/classify"
	"github.com/ushineko/ghostwire/internal/config"
	"github.com/ushineko/ghostwire/internal/fingerprint"
	"github.com/ushineko/ghostwire/internal/interceptor"
	"github.com/ushineko/ghostwire/internal/logging"
	"github.com/ushineko/ghostwire/internal/session"
	"github.com/ushineko/ghostwire/internal/version"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagAddr       string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagConfigPath string
	flagForceCA    bool
)

var rootCmd = &cobra.Command{
	Use:   "ghostwired",
	Short: "MITM HTTP(S)/WebSocket forward proxy with browser fingerprint impersonation",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Full())
	},
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate the root CA certificate and private key",
	RunE:  runGenerateCA,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: ghostwire.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for CA artifacts")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite an existing CA pair")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCACmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var fatal *classify.FatalInitError
		if errors.As(err, &fatal) {
			fmt.Fprintf(os.Stderr, "fatal: %s failed, not starting: %v\n", fatal.Op, fatal.Err)
		}
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}
	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	overrides := config.CLIOverrides{}
	if cmd.Flags().Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runProxy is the default command: it materialises the CA, builds the
// session pool and interceptor, starts the GC task, and serves until a
// shutdown signal arrives.
func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logResult := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer logResult.Cleanup()
	logger := logResult.Logger

	ca, err := certstore.Init(
		filepath.Join(cfg.DataDir, cfg.CA.Cert),
		filepath.Join(cfg.DataDir, cfg.CA.Key),
	)
	if err != nil {
		return classify.NewFatalInit("certstore", err)
	}
	logger.Info("root CA ready", logging.Component("CERT"),
		"fingerprint", ca.Fingerprint, "expires", ca.Cert.NotAfter.Format("2006-01-02"))
	fmt.Println(string(ca.RootPEM()))

	certs := certstore.NewCacheWithCapacity(ca, cfg.Timeouts.CertCacheSize)
	sessions := session.New(fingerprint.Subset(cfg.Profiles), cfg.Timeouts.SessionIdle.Duration,
		session.Timeouts{Connect: cfg.Timeouts.Connect.Duration, Request: cfg.Timeouts.Request.Duration})

	gcCtx, stopGC := context.WithCancel(context.Background())
	defer stopGC()
	go sessions.RunGC(gcCtx, logger, cfg.Timeouts.GCInterval.Duration)

	handler := interceptor.New(interceptor.Config{
		Certs:          certs,
		Sessions:       sessions,
		Logger:         logger,
		ConnectTimeout: cfg.Timeouts.Connect.Duration,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
	}

	return runServer(cfg, srv, logger)
}

// runServer starts srv and blocks until SIGINT/SIGTERM, then shuts down
// gracefully within the configured timeout.
func runServer(cfg config.Config, srv *http.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("proxy starting", logging.Component("PROXY"),
			"version", version.Full(), "addr", cfg.Listen, "verbose", cfg.Verbose)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", logging.Component("PROXY"), "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received", logging.Component("PROXY"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("proxy stopped", logging.Component("PROXY"))
	return nil
}

func runGenerateCA(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	certPath := filepath.Join(cfg.DataDir, cfg.CA.Cert)
	keyPath := filepath.Join(cfg.DataDir, cfg.CA.Key)

	if !flagForceCA {
		if _, err := os.Stat(certPath); err == nil {
			return fmt.Errorf("CA certificate %s already exists (use --force to overwrite)", certPath)
		}
	}

	ca, err := certstore.InitForce(certPath, keyPath, flagForceCA)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}

	fmt.Fprintf(os.Stderr, "CA certificate: %s\n", certPath)
	fmt.Fprintf(os.Stderr, "CA private key: %s\n", keyPath)
	fmt.Fprintf(os.Stderr, "fingerprint: %s\n", ca.Fingerprint)
	fmt.Fprintln(os.Stderr, "Install the CA certificate on client devices to enable MITM interception.")
	return nil
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := cfg.Redacted().Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	fmt.Println("config: valid")
	return nil
}
