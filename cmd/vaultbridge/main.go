// Command vaultbridge runs the multi-tenant authentication proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/vaultbridge/pkg/auth"
	"github.com/stacklok/vaultbridge/pkg/config"
	"github.com/stacklok/vaultbridge/pkg/correlation"
	"github.com/stacklok/vaultbridge/pkg/flow"
	"github.com/stacklok/vaultbridge/pkg/forwarder"
	"github.com/stacklok/vaultbridge/pkg/idp"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/meta"
	"github.com/stacklok/vaultbridge/pkg/server"
	"github.com/stacklok/vaultbridge/pkg/tenant"
	"github.com/stacklok/vaultbridge/pkg/vault"
)

// defaultSubjectTokenType identifies agent tokens in the vault's custom
// token exchange. Must match the vault-side exchange profile.
const defaultSubjectTokenType = "urn:vaultbridge:params:oauth:token-type:agent-token"

func main() {
	logger.Initialize()

	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tenants, err := tenant.LoadRegistry(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	logger.Infow("loaded tenant registry", "tenants", tenants.IDs())

	store := correlation.NewStore()
	defer store.Stop()

	authorizer := auth.NewAuthorizer(
		auth.NewKeyCache(store.Keys),
		auth.WithExpectedAudience(cfg.ExpectedAudience),
		auth.WithAudiencePrefixMatch(cfg.AudiencePrefixMatch),
	)

	vaultClient := vault.NewClient(vault.Config{
		Domain:           cfg.Auth0Domain,
		CTEClientID:      cfg.Auth0CTEClientID,
		CTEClientSecret:  cfg.Auth0CTEClientSecret,
		ClientID:         cfg.Auth0VaultClientID,
		ClientSecret:     cfg.Auth0VaultClientSecret,
		Audience:         cfg.Auth0VaultAudience,
		Scope:            cfg.Auth0VaultScope,
		SubjectTokenType: defaultSubjectTokenType,
	}, store.Links)

	deps := server.Deps{
		Flow:      flow.NewOrchestrator(cfg, tenants, store, idp.NewClient(), vaultClient),
		Forwarder: forwarder.New(cfg, tenants, authorizer, vaultClient),
		Meta:      meta.NewHandler(cfg, tenants),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx, fmt.Sprintf(":%d", cfg.Port), deps)
}
