package entitlement

import (
	"context"
	"errors"
	"fmt"

	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"

	"github.com/rs/zerolog/log"
)

// ErrSessionNotFound 由 SessionProvider 返回，表示结账会话不存在
var ErrSessionNotFound = errors.New("checkout session not found")

// SessionProvider 读取支付平台上的结账会话
type SessionProvider interface {
	RetrieveSession(ctx context.Context, sessionID string) (models.CheckoutSession, error)
}

// Pricing 仅在结账会话没有 payment_type 元数据时用金额区分购买类型
type Pricing struct {
	PayPerUseAmountCents int64
	LifetimeAmountCents  int64
}

const metadataPaymentType = "payment_type"

func subscriptionOwnerNamespace(subscriptionID string) string {
	return "sub:" + subscriptionID
}

const ownerKey = "client"

type Verifier struct {
	store    *Store
	provider SessionProvider
	pricing  Pricing
}

func NewVerifier(store *Store, provider SessionProvider, pricing Pricing) *Verifier {
	return &Verifier{store: store, provider: provider, pricing: pricing}
}

// Verify 将结账会话兑换为权益，每个会话只兑换一次
func (v *Verifier) Verify(ctx context.Context, clientID, sessionID string) models.VerificationResult {
	unlock := v.store.Lock(clientID)
	defer unlock()
	return v.record(v.verifyLocked(ctx, clientID, sessionID))
}

// VerifyLocked 与 Verify 相同，但调用方已持有该客户端的锁
func (v *Verifier) VerifyLocked(ctx context.Context, clientID, sessionID string) models.VerificationResult {
	return v.record(v.verifyLocked(ctx, clientID, sessionID))
}

func (v *Verifier) verifyLocked(ctx context.Context, clientID, sessionID string) models.VerificationResult {
	if sessionID == "" {
		return models.VerificationResult{Outcome: models.OutcomeDenied, Reason: "session id required"}
	}
	if res, ok := v.alreadyGranted(ctx, clientID, sessionID); ok {
		return res
	}
	if v.provider == nil {
		return v.fail(ctx, clientID, sessionID, "billing provider not configured")
	}

	session, err := v.provider.RetrieveSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return v.deny(ctx, clientID, sessionID, "checkout session not found")
	}
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Str("session_id", sessionID).Msg("retrieve checkout session failed")
		return v.fail(ctx, clientID, sessionID, err.Error())
	}
	return v.grant(ctx, clientID, session)
}

// Grant 用已获取的会话授予权益，webhook 异步结算走这里
func (v *Verifier) Grant(ctx context.Context, clientID string, session models.CheckoutSession) models.VerificationResult {
	unlock := v.store.Lock(clientID)
	defer unlock()
	if res, ok := v.alreadyGranted(ctx, clientID, session.ID); ok {
		return v.record(res)
	}
	return v.record(v.grant(ctx, clientID, session))
}

func (v *Verifier) record(res models.VerificationResult) models.VerificationResult {
	verifications.WithLabelValues(string(res.Outcome), string(res.PaymentType)).Inc()
	return res
}

func (v *Verifier) alreadyGranted(ctx context.Context, clientID, sessionID string) (models.VerificationResult, bool) {
	granted, err := v.store.Granted(ctx, clientID, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Str("session_id", sessionID).Msg("grant marker lookup failed")
		return v.fail(ctx, clientID, sessionID, "grant marker lookup: "+err.Error()), true
	}
	if !granted {
		return models.VerificationResult{}, false
	}
	state := v.store.Load(ctx, clientID)
	if state.PendingSessionID == sessionID {
		state.PendingSessionID = ""
		if err := v.store.Save(ctx, clientID, state); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("clear pending session failed")
		}
	}
	return models.VerificationResult{
		SessionID:      sessionID,
		Outcome:        models.OutcomeGranted,
		PaymentType:    state.PaymentType,
		AlreadyGranted: true,
		Details: models.GrantDetails{
			SubscriptionID:  state.SubscriptionID,
			PaymentIntentID: state.PaymentIntentID,
			CustomerID:      state.CustomerID,
		},
	}, true
}

func (v *Verifier) grant(ctx context.Context, clientID string, session models.CheckoutSession) models.VerificationResult {
	// 本服务创建的会话总带 client_reference_id；缺失的会话无法确定归属，不予兑换
	if session.ClientReferenceID == "" {
		return v.deny(ctx, clientID, session.ID, "checkout session has no client reference")
	}
	if session.ClientReferenceID != clientID {
		return v.deny(ctx, clientID, session.ID, "checkout session belongs to another client")
	}
	paymentType, ok := v.classify(session)
	if !ok {
		return v.deny(ctx, clientID, session.ID, fmt.Sprintf("unrecognized purchase amount %d", session.AmountTotal))
	}
	if !session.Paid() {
		if session.Status == models.CheckoutStatusExpired {
			return v.deny(ctx, clientID, session.ID, "checkout session expired")
		}
		return v.pending(ctx, clientID, session.ID, paymentType, "payment not confirmed")
	}
	if paymentType == models.PaymentSubscription && !SubscriptionEntitled(session.SubscriptionStatus) {
		return v.pending(ctx, clientID, session.ID, paymentType, "subscription status "+session.SubscriptionStatus)
	}

	state := v.store.Load(ctx, clientID)
	switch paymentType {
	case models.PaymentSubscription:
		state.IsPremium = true
		state.PaymentType = models.PaymentSubscription
		state.SubscriptionID = session.SubscriptionID
	case models.PaymentOneTime:
		state.IsPremium = true
		state.PaymentType = models.PaymentOneTime
		state.PaymentIntentID = session.PaymentIntentID
	case models.PaymentPayPerUse:
		state.PaidCredits++
		if !state.IsPremium {
			state.PaymentType = models.PaymentPayPerUse
		}
		state.PaymentIntentID = session.PaymentIntentID
	}
	if session.CustomerID != "" {
		state.CustomerID = session.CustomerID
	}
	if state.PendingSessionID == session.ID {
		state.PendingSessionID = ""
	}

	if err := v.store.Save(ctx, clientID, state, session.ID); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Str("session_id", session.ID).Msg("persist grant failed")
		return v.fail(ctx, clientID, session.ID, "persist grant: "+err.Error())
	}
	if paymentType == models.PaymentSubscription && session.SubscriptionID != "" {
		if err := kv.Set(ctx, v.store.kv, subscriptionOwnerNamespace(session.SubscriptionID), ownerKey, clientID); err != nil {
			log.Warn().Err(err).Str("subscription_id", session.SubscriptionID).Msg("index subscription owner failed")
		}
	}

	log.Info().Str("client_id", clientID).Str("session_id", session.ID).
		Str("payment_type", string(paymentType)).Msg("entitlement granted")
	return models.VerificationResult{
		SessionID:   session.ID,
		Outcome:     models.OutcomeGranted,
		PaymentType: paymentType,
		Details: models.GrantDetails{
			SubscriptionID:  session.SubscriptionID,
			PaymentIntentID: session.PaymentIntentID,
			CustomerID:      session.CustomerID,
			CustomerEmail:   session.CustomerEmail,
			Status:          session.SubscriptionStatus,
			AmountTotal:     session.AmountTotal,
		},
	}
}

func (v *Verifier) classify(session models.CheckoutSession) (models.PaymentType, bool) {
	if session.Mode == models.CheckoutModeSubscription {
		return models.PaymentSubscription, true
	}
	switch pt := models.ParsePaymentType(session.Metadata[metadataPaymentType]); pt {
	case models.PaymentOneTime, models.PaymentPayPerUse:
		return pt, true
	}
	switch session.AmountTotal {
	case v.pricing.PayPerUseAmountCents:
		return models.PaymentPayPerUse, true
	case v.pricing.LifetimeAmountCents:
		return models.PaymentOneTime, true
	}
	return models.PaymentNone, false
}

// SubscriptionEntitled 订阅状态是否享有会员权益
func SubscriptionEntitled(status string) bool {
	switch status {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

func subscriptionEnded(status string) bool {
	switch status {
	case "canceled", "unpaid", "incomplete_expired":
		return true
	default:
		return false
	}
}

func (v *Verifier) pending(ctx context.Context, clientID, sessionID string, pt models.PaymentType, reason string) models.VerificationResult {
	v.retain(ctx, clientID, sessionID)
	return models.VerificationResult{SessionID: sessionID, Outcome: models.OutcomePending, PaymentType: pt, Reason: reason}
}

func (v *Verifier) fail(ctx context.Context, clientID, sessionID, reason string) models.VerificationResult {
	v.retain(ctx, clientID, sessionID)
	return models.VerificationResult{SessionID: sessionID, Outcome: models.OutcomeFailed, Reason: reason}
}

func (v *Verifier) deny(ctx context.Context, clientID, sessionID, reason string) models.VerificationResult {
	state := v.store.Load(ctx, clientID)
	if state.PendingSessionID == sessionID {
		if err := v.store.Persist(ctx, clientID, KeyPendingSession, ""); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("clear pending session failed")
		}
	}
	log.Info().Str("client_id", clientID).Str("session_id", sessionID).Str("reason", reason).Msg("checkout session denied")
	return models.VerificationResult{SessionID: sessionID, Outcome: models.OutcomeDenied, Reason: reason}
}

// retain 记录待重试的会话，下次加载时重新校验
func (v *Verifier) retain(ctx context.Context, clientID, sessionID string) {
	if err := v.store.Persist(ctx, clientID, KeyPendingSession, sessionID); err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Str("session_id", sessionID).Msg("persist pending session failed")
	}
}

// SyncSubscription 根据订阅生命周期事件更新所属客户端，返回受影响的客户端 id
func (v *Verifier) SyncSubscription(ctx context.Context, subscriptionID, status string) (string, error) {
	clientID, ok, err := v.store.kv.Get(ctx, subscriptionOwnerNamespace(subscriptionID), ownerKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	unlock := v.store.Lock(clientID)
	defer unlock()

	state := v.store.Load(ctx, clientID)
	if state.SubscriptionID != subscriptionID {
		return clientID, nil
	}
	switch {
	case SubscriptionEntitled(status):
		if state.IsPremium && state.PaymentType == models.PaymentSubscription {
			return clientID, nil
		}
		state.IsPremium = true
		state.PaymentType = models.PaymentSubscription
	case subscriptionEnded(status):
		if state.PaymentType != models.PaymentSubscription {
			return clientID, nil
		}
		state.IsPremium = false
		state.PaymentType = models.PaymentNone
		if state.PaidCredits > 0 {
			state.PaymentType = models.PaymentPayPerUse
		}
		log.Info().Str("client_id", clientID).Str("subscription_id", subscriptionID).
			Str("status", status).Msg("subscription premium revoked")
	default:
		return clientID, nil
	}
	return clientID, v.store.Save(ctx, clientID, state)
}
