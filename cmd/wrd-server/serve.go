package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/waylandrdp/wrd-server/pkg/config"
	"github.com/waylandrdp/wrd-server/pkg/credstore"
	"github.com/waylandrdp/wrd-server/pkg/observability"
	"github.com/waylandrdp/wrd-server/pkg/registry"
	"github.com/waylandrdp/wrd-server/pkg/server"
	"github.com/waylandrdp/wrd-server/pkg/session"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the RDP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runServe(cmd.Context(), configPath)
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	log.Logger = logger

	// Size the worker pool from the performance config:
	// min(cpu_count, encoder_threads + network_threads + 2).
	threads := cfg.Performance.SchedulerThreads(runtime.NumCPU())
	runtime.GOMAXPROCS(threads)

	logger.Info().
		Str("listen", cfg.Server.ListenAddr).
		Int("scheduler_threads", threads).
		Msg("wrd-server starting")

	reg := registry.Probe(logger)
	if reg.Capability(registry.CapPortalScreenCast).Available == registry.Unavailable {
		logger.Error().
			Str("reason", reg.Capability(registry.CapPortalScreenCast).Reason).
			Msg("ScreenCast portal unavailable and no fallback exists")
		return exitNoPortal
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("credential store unavailable, restore tokens are session-only")
		store = credstore.NewMemory()
	}
	defer store.Close()

	metrics := observability.New()

	ln, err := server.Listen(server.Options{
		Addr:     cfg.Server.ListenAddr,
		CertPath: cfg.Security.CertPath,
		KeyPath:  cfg.Security.KeyPath,
		Logger:   logger,
	})
	if err != nil {
		if strings.Contains(err.Error(), "certificate") {
			logger.Error().Err(err).Msg("certificate error")
			return exitCert
		}
		logger.Error().Err(err).Msg("listener bind failed")
		return exitBind
	}
	defer ln.Close()

	coordinator := session.New(cfg, reg, store, newAuthenticator(cfg.Security), metrics, logger)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- coordinator.Serve(runCtx, ln)
	}()

	select {
	case <-runCtx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && runCtx.Err() == nil {
			logger.Error().Err(err).Msg("accept loop failed")
			coordinator.Stop()
			return exitBind
		}
	}

	ln.Close()
	coordinator.Stop()
	logger.Info().Msg("wrd-server stopped")
	return exitOK
}

// setupLogging builds the root zerolog logger from config.
func setupLogging(cfg config.Logging) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("logging.level: %w", err)
	}

	var out io.Writer = os.Stderr
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return zerolog.Logger{}, fmt.Errorf("logging.log_dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "wrd-server.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("logging.log_dir: %w", err)
		}
		out = f
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func openStore(cfg *config.Config) (credstore.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		path = filepath.Join(base, "wrd-server", "credstore")
	}
	return credstore.Open(credstore.Options{
		Backend: cfg.Store.Backend,
		Path:    path,
		Key:     storeKey(),
	})
}

// storeKey derives the at-rest key from the environment, falling back to a
// machine-local derivation.
func storeKey() []byte {
	if k := os.Getenv("WRD_STORE_KEY"); k != "" {
		return []byte(k)
	}
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		return append([]byte("wrd-server:"), id...)
	}
	return []byte("wrd-server:default")
}

// newAuthenticator wires the external PAM oracle. The binding itself is a
// helper binary installed by packaging; it reads "username\npassword\n" on
// stdin and exits zero on success.
func newAuthenticator(sec config.Security) session.Authenticator {
	helper := os.Getenv("WRD_PAM_HELPER")
	if helper == "" {
		helper = "/usr/libexec/wrd-server/pam-helper"
	}
	return session.AuthFunc(func(ctx context.Context, username, password string) error {
		cmd := exec.CommandContext(ctx, helper, sec.PAMService)
		cmd.Stdin = strings.NewReader(username + "\n" + password + "\n")
		if err := cmd.Run(); err != nil {
			return session.ErrAuthFailed
		}
		return nil
	})
}
