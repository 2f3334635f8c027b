package services

import (
	"context"
	"errors"
	"fmt"

	"bgbyebye/internal/billing"
	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"

	"github.com/rs/zerolog/log"
)

const webhookNamespacePrefix = "webhook:"

// HandleWebhook 处理 Stripe 事件，同一事件只处理一次
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.billing == nil {
		return ErrStripeNotConfigured
	}
	event, err := s.billing.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			return ErrStripeNotConfigured
		}
		if errors.Is(err, billing.ErrInvalidSignature) {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ns := webhookNamespacePrefix + event.ID
	if _, seen, err := s.kv.Get(ctx, ns, "type"); err == nil && seen {
		log.Debug().Str("event_id", event.ID).Msg("webhook event already processed")
		return nil
	}

	logger := log.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()
	switch event.Type {
	case models.EventCheckoutCompleted, models.EventCheckoutAsyncPaymentSucceed:
		s.settleCheckout(ctx, event.Session)
	case models.EventCheckoutAsyncPaymentFailed:
		if event.Session != nil {
			logger.Warn().Str("session_id", event.Session.ID).Str("client_id", event.Session.ClientReferenceID).
				Msg("asynchronous checkout payment failed")
		}
	case models.EventSubscriptionUpdated, models.EventSubscriptionDeleted:
		clientID, err := s.verifier.SyncSubscription(ctx, event.SubscriptionID, event.SubscriptionStatus)
		if err != nil {
			return err
		}
		logger.Info().Str("subscription_id", event.SubscriptionID).Str("status", event.SubscriptionStatus).
			Str("client_id", clientID).Msg("subscription synced")
	default:
		logger.Debug().Msg("unhandled webhook event")
	}

	if err := kv.Set(ctx, s.kv, ns, "type", event.Type); err != nil {
		logger.Warn().Err(err).Msg("record processed webhook event failed")
	}
	return nil
}

// settleCheckout 异步结算：客户端可能已经离开页面，由 webhook 完成授予
func (s *Service) settleCheckout(ctx context.Context, session *models.CheckoutSession) {
	if session == nil || session.ClientReferenceID == "" {
		log.Warn().Msg("checkout session without client reference, skipping")
		return
	}
	clientID := session.ClientReferenceID

	var res models.VerificationResult
	if session.Mode == models.CheckoutModeSubscription && session.SubscriptionStatus == "" {
		// 事件里的订阅未展开，回查完整会话
		res = s.verifier.Verify(ctx, clientID, session.ID)
	} else {
		res = s.verifier.Grant(ctx, clientID, *session)
	}
	log.Info().Str("client_id", clientID).Str("session_id", session.ID).
		Str("outcome", string(res.Outcome)).Bool("already_granted", res.AlreadyGranted).Msg("checkout settled by webhook")

	if res.Outcome != models.OutcomeGranted || res.AlreadyGranted {
		return
	}
	s.sendReceipt(ctx, firstNonEmpty(res.Details.CustomerEmail, session.CustomerEmail), res)
}

func (s *Service) sendReceipt(ctx context.Context, to string, res models.VerificationResult) {
	if s.mailer == nil || !s.mailer.IsConfigured() || to == "" {
		return
	}
	if err := s.mailer.SendReceipt(ctx, to, res); err != nil {
		log.Warn().Err(err).Str("session_id", res.SessionID).Msg("send receipt failed")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
