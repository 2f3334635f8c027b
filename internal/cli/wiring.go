package cli

import (
	"context"
	"errors"
	"fmt"

	"bgbyebye/internal/billing"
	"bgbyebye/internal/config"
	"bgbyebye/internal/email"
	"bgbyebye/internal/inference"
	"bgbyebye/internal/kv"
	"bgbyebye/internal/services"

	"github.com/rs/zerolog/log"
)

// buildService 按配置组装依赖；Stripe 与模型未配置时相应功能返回 503
func buildService(ctx context.Context, cfg config.Config) (*services.Service, func(), error) {
	store, err := kv.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close storage failed")
		}
	}

	deps := services.Deps{KV: store}

	stripeClient, err := billing.New(cfg, nil)
	switch {
	case err == nil:
		deps.Billing = stripeClient
	case errors.Is(err, billing.ErrNotConfigured):
		log.Warn().Msg("stripe not configured, checkout disabled")
	default:
		cleanup()
		return nil, nil, fmt.Errorf("init stripe: %w", err)
	}

	remover, err := inference.New(cfg)
	switch {
	case err == nil:
		deps.Remover = remover
	case errors.Is(err, inference.ErrNotConfigured):
		log.Warn().Str("provider", cfg.InferenceProvider).Msg("inference not configured, processing disabled")
	default:
		cleanup()
		return nil, nil, fmt.Errorf("init inference: %w", err)
	}

	mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.ResendFromEmail)
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	}

	return services.New(cfg, deps), cleanup, nil
}
