package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/config"
	"github.com/PratikDhanave/crm-client-sync/internal/httpserver"
	"github.com/PratikDhanave/crm-client-sync/internal/logging"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

const shutdownTimeout = 15 * time.Second

// runtime is what every command needs: validated config, a logger and an open store.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  store.Store
}

func (rt *runtime) close() {
	if rt.store != nil {
		rt.store.Close()
	}
	_ = rt.logger.Sync()
}

func setup(ctx context.Context) (*runtime, error) {
	// Load runtime config from environment (DB_URL, API_KEYS, HUBSPOT_*, ...).
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, err
	}

	// Connect to durable storage; memory:// runs without a database.
	st, err := store.Open(ctx, cfg.DBURL, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, store: st}, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "clientsync",
		Short:         "Keeps internal clients in sync with HubSpot contacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newLinkPortalCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe boots the service: config, logger, store, schema, then the HTTP server
// until SIGINT or SIGTERM.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := rt.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	app, err := httpserver.NewApp(rt.cfg, rt.store, rt.logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              rt.cfg.HTTPAddr,
		Handler:           httpserver.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server started", zap.String("addr", rt.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			rt.logger.Info("schema applied")
			return nil
		},
	}
}

type linkPortalOptions struct {
	portal string
	org    string
}

func (o linkPortalOptions) validate() error {
	if strings.TrimSpace(o.portal) == "" || strings.TrimSpace(o.org) == "" {
		return errors.New("--portal and --org are required")
	}
	return nil
}

func newLinkPortalCommand() *cobra.Command {
	opts := linkPortalOptions{}
	cmd := &cobra.Command{
		Use:   "link-portal",
		Short: "Record which organization a HubSpot portal belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.LinkInstallation(cmd.Context(), strings.TrimSpace(opts.portal), strings.TrimSpace(opts.org)); err != nil {
				return fmt.Errorf("link portal: %w", err)
			}
			rt.logger.Info("portal linked", zap.String("tenant_id", opts.portal), zap.String("org_id", opts.org))
			fmt.Fprintf(cmd.OutOrStdout(), "portal %s linked to organization %s\n", opts.portal, opts.org)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.portal, "portal", "", "HubSpot portal id")
	cmd.Flags().StringVar(&opts.org, "org", "", "internal organization id")
	return cmd
}
