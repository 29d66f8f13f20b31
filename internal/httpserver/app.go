package httpserver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/associations"
	"github.com/PratikDhanave/crm-client-sync/internal/auth"
	"github.com/PratikDhanave/crm-client-sync/internal/clients"
	"github.com/PratikDhanave/crm-client-sync/internal/config"
	"github.com/PratikDhanave/crm-client-sync/internal/hubspot"
	"github.com/PratikDhanave/crm-client-sync/internal/merge"
	"github.com/PratikDhanave/crm-client-sync/internal/retry"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
	"github.com/PratikDhanave/crm-client-sync/internal/webhook"
)

// App is the wired service: every component the HTTP layer serves.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      store.Store
	Clients    *clients.Service
	Reconciler *merge.Reconciler
	Gateway    *hubspot.Gateway
	Dispatcher *webhook.Dispatcher
}

// NewApp builds the component graph on top of an opened store.
func NewApp(cfg config.Config, st store.Store, logger *zap.Logger) (*App, error) {
	registry, err := associations.DefaultRegistry(cfg.AssociationTables...)
	if err != nil {
		return nil, fmt.Errorf("association registry: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Webhook.Signature, cfg.HubSpot.ClientSecret, cfg.Webhook.MaxSkew)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MergeMaxAttempts

	gateway := hubspot.NewGateway(hubspot.OAuthConfig{
		ClientID:     cfg.HubSpot.ClientID,
		ClientSecret: cfg.HubSpot.ClientSecret,
		RedirectURI:  cfg.HubSpot.RedirectURI,
		Scope:        cfg.HubSpot.Scope,
		AppURL:       cfg.HubSpot.AppURL,
		APIBaseURL:   cfg.HubSpot.APIBaseURL,
	}, st, hubspot.NewHTTPClient(cfg.HubSpot.Timeout), logger.Named("hubspot"))

	clientSvc := clients.NewService(st, logger.Named("clients"))
	reconciler := merge.NewReconciler(st, registry, retryCfg, logger.Named("merge"))

	var opts []webhook.Option
	if cfg.HubSpot.ClientID != "" {
		opts = append(opts, webhook.WithEnrichment(gateway, gateway.Client()))
	}
	dispatcher := webhook.NewDispatcher(verifier, clientSvc, reconciler, logger.Named("webhook"), opts...)

	logger.Info("service wired",
		zap.Int("association_kinds", len(registry.Kinds())),
		zap.String("webhook_signature", cfg.Webhook.Signature),
		zap.Bool("enrichment", len(opts) > 0),
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		Clients:    clientSvc,
		Reconciler: reconciler,
		Gateway:    gateway,
		Dispatcher: dispatcher,
	}, nil
}
