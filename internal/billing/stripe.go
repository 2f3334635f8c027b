// Package billing 封装 Stripe：创建结账、读取会话、客户门户与 webhook 解析。
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bgbyebye/internal/config"
	"bgbyebye/internal/entitlement"
	"bgbyebye/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrNotConfigured       = errors.New("stripe not configured")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrUnsupportedPurchase = errors.New("unsupported purchase type")
	ErrCustomerRequired    = errors.New("customer id required")
)

// CheckoutRequest 创建结账会话的参数
type CheckoutRequest struct {
	ClientID      string
	PaymentType   models.PaymentType
	CustomerEmail string
}

type CheckoutLink struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type Stripe struct {
	api *client.API
	cfg config.Config
}

// New 创建 Stripe 适配器；backends 为 nil 时使用默认的 Stripe API 地址
func New(cfg config.Config, backends *stripe.Backends) (*Stripe, error) {
	if !cfg.StripeConfigured() {
		return nil, ErrNotConfigured
	}
	api := &client.API{}
	api.Init(cfg.StripeSecretKey, backends)
	return &Stripe{api: api, cfg: cfg}, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutLink, error) {
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		SuccessURL:        stripe.String(s.cfg.SuccessURL()),
		CancelURL:         stripe.String(s.cfg.CancelURL()),
		ClientReferenceID: stripe.String(req.ClientID),
		Metadata: map[string]string{
			"client_id":    req.ClientID,
			"payment_type": string(req.PaymentType),
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	switch req.PaymentType {
	case models.PaymentSubscription:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
		if s.cfg.StripePriceSubscription != "" {
			item.Price = stripe.String(s.cfg.StripePriceSubscription)
		} else {
			item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.cfg.StripeCurrency),
				UnitAmount: stripe.Int64(int64(s.cfg.SubscriptionAmountCents)),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
				},
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("BG BYE BYE Unlimited"),
				},
			}
		}
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{item}
	case models.PaymentOneTime, models.PaymentPayPerUse:
		amount, name := int64(s.cfg.PayPerUseAmountCents), "BG BYE BYE single image"
		if req.PaymentType == models.PaymentOneTime {
			amount, name = int64(s.cfg.LifetimeAmountCents), "BG BYE BYE Lifetime"
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.cfg.StripeCurrency),
				UnitAmount: stripe.Int64(amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
			Quantity: stripe.Int64(1),
		}}
	default:
		return CheckoutLink{}, fmt.Errorf("%w: %q", ErrUnsupportedPurchase, req.PaymentType)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		logStripeError(err, "create_checkout_session")
		return CheckoutLink{}, fmt.Errorf("create checkout session: %w", err)
	}
	log.Info().Str("client_id", req.ClientID).Str("session_id", sess.ID).
		Str("payment_type", string(req.PaymentType)).Msg("stripe checkout session created")
	return CheckoutLink{SessionID: sess.ID, URL: sess.URL}, nil
}

// RetrieveSession 读取结账会话并展开订阅以获得订阅状态
func (s *Stripe) RetrieveSession(ctx context.Context, sessionID string) (models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("subscription")
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		if isResourceMissing(err) {
			return models.CheckoutSession{}, fmt.Errorf("%w: %s", entitlement.ErrSessionNotFound, sessionID)
		}
		logStripeError(err, "retrieve_checkout_session")
		return models.CheckoutSession{}, fmt.Errorf("retrieve checkout session: %w", err)
	}
	out := toCheckoutSession(sess)
	// 未展开时单独查询订阅状态
	if out.SubscriptionID != "" && out.SubscriptionStatus == "" {
		sub, err := s.api.Subscriptions.Get(out.SubscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return models.CheckoutSession{}, fmt.Errorf("retrieve subscription: %w", err)
		}
		out.SubscriptionStatus = string(sub.Status)
	}
	return out, nil
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", ErrCustomerRequired
	}
	if returnURL == "" {
		returnURL = s.cfg.AppBaseURL + "/account"
	}
	ps, err := s.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		logStripeError(err, "create_portal_session")
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return ps.URL, nil
}

// CustomerInfo 客户资料、有效订阅和银行卡
func (s *Stripe) CustomerInfo(ctx context.Context, customerID string) (models.CustomerInfo, error) {
	if customerID == "" {
		return models.CustomerInfo{}, ErrCustomerRequired
	}
	cus, err := s.api.Customers.Get(customerID, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		logStripeError(err, "retrieve_customer")
		return models.CustomerInfo{}, fmt.Errorf("retrieve customer: %w", err)
	}
	info := models.CustomerInfo{
		Customer:       models.Customer{ID: cus.ID, Email: cus.Email, Name: cus.Name},
		Subscriptions:  []models.Subscription{},
		PaymentMethods: []models.PaymentMethod{},
	}

	subParams := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(10), Single: true},
		Customer:   stripe.String(customerID),
		Status:     stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	subs := s.api.Subscriptions.List(subParams)
	for subs.Next() {
		info.Subscriptions = append(info.Subscriptions, toSubscription(subs.Subscription()))
	}
	if err := subs.Err(); err != nil {
		return models.CustomerInfo{}, fmt.Errorf("list subscriptions: %w", err)
	}

	pmParams := &stripe.PaymentMethodListParams{
		ListParams: stripe.ListParams{Context: ctx, Single: true},
		Customer:   stripe.String(customerID),
		Type:       stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	pms := s.api.PaymentMethods.List(pmParams)
	for pms.Next() {
		info.PaymentMethods = append(info.PaymentMethods, toPaymentMethod(pms.PaymentMethod()))
	}
	if err := pms.Err(); err != nil {
		return models.CustomerInfo{}, fmt.Errorf("list payment methods: %w", err)
	}
	return info, nil
}

// ParseWebhook 校验签名并转换为领域事件
func (s *Stripe) ParseWebhook(payload []byte, signature string) (models.BillingEvent, error) {
	return ParseWebhook(payload, signature, s.cfg.StripeWebhookSecret)
}

func ParseWebhook(payload []byte, signature, secret string) (models.BillingEvent, error) {
	if secret == "" {
		return models.BillingEvent{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return models.BillingEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := models.BillingEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	switch out.Type {
	case models.EventCheckoutCompleted, models.EventCheckoutAsyncPaymentSucceed, models.EventCheckoutAsyncPaymentFailed:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return models.BillingEvent{}, fmt.Errorf("decode checkout session: %w", err)
		}
		cs := toCheckoutSession(&sess)
		out.Session = &cs
	case models.EventSubscriptionUpdated, models.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return models.BillingEvent{}, fmt.Errorf("decode subscription: %w", err)
		}
		out.SubscriptionID = sub.ID
		out.SubscriptionStatus = string(sub.Status)
	}
	return out, nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}

func logStripeError(err error, op string) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Error().Str("op", op).Str("type", string(stripeErr.Type)).Str("code", string(stripeErr.Code)).
			Str("param", stripeErr.Param).Msg(stripeErr.Msg)
		return
	}
	log.Error().Err(err).Str("op", op).Msg("stripe request failed")
}
