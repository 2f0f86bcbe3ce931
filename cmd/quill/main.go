// Package main provides the quill binary: the revision-history service for
// AI text rewrites and its maintenance commands.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"quill/internal/app"
	"quill/internal/auth"
	"quill/internal/config"
	"quill/internal/provider"
	"quill/internal/session"
	"quill/internal/store"
)

const (
	Version = "0.1.0"
	appName = "quill"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Revision history for AI text rewrites",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		migrateCmd(),
		testConnectionCmd(),
		issueTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the revision schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), false)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), true)
			},
		},
	)
	return cmd
}

func testConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection [provider]",
		Short: "Probe a text-generation provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			name := cfg.Providers.Provider
			if len(args) == 1 {
				name = strings.ToLower(args[0])
			}
			if err := provider.Validate(name, cfg.Providers); err != nil {
				return err
			}
			client := provider.NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)
			rewriter, err := provider.New(name, cfg.Providers, client, cfg.ConnectTimeout+cfg.ReadTimeout)
			if err != nil {
				return err
			}

			result := rewriter.TestConnection(cmd.Context())
			logger.Debug("connection test finished", "provider", name, "success", result.Success)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%s connection failed", name)
			}
			return nil
		},
	}
}

func issueTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token <owner-id>",
		Short: "Sign an owner token for a host application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return errors.New("QUILL_AUTH_SECRET is not set")
			}
			token, err := auth.IssueOwnerToken([]byte(cfg.AuthSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := store.Migrations(dialect)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, dialect, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	revisions := store.NewSQLStore(db, dialect)

	// The subject index is optional; the store answers recovery without it.
	var index session.SubjectIndex
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisIndex, err := session.NewRedisIndex(cfg.RedisURL, cfg.SubjectTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisIndex.Close()
		index = redisIndex
		logger.Info("using redis subject index")
	}

	client := provider.NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)
	providers := app.NewProviderFactory(cfg.Providers, client, cfg.ConnectTimeout+cfg.ReadTimeout)
	service := app.New(cfg.Providers, revisions, index, providers, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger).WithAuthSecret(cfg.AuthSecret)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write deadline: SSE responses stay open for the whole provider call.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("quill listening",
			"addr", cfg.Addr,
			"provider", cfg.Providers.Provider,
			"db_driver", string(dialect),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func migrate(ctx context.Context, down bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := store.Migrations(dialect)
	if err != nil {
		return err
	}
	if down {
		if err := store.RollbackMigrations(ctx, db, migrations); err != nil {
			return err
		}
		logger.Info("migrations rolled back", "db_driver", string(dialect))
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, dialect, migrations); err != nil {
		return err
	}
	logger.Info("migrations applied", "db_driver", string(dialect))
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load().Resolve()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, store.Dialect, error) {
	dialect, err := store.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, "", err
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database connection failed: %w", err)
	}
	return db, dialect, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
