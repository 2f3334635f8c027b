package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"bgbyebye/internal/billing"
	"bgbyebye/internal/config"
	"bgbyebye/internal/entitlement"
	"bgbyebye/internal/inference"
	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrLimitReached        = errors.New("usage limit reached")
	ErrBusy                = errors.New("another request is already being processed")
	ErrProcessingFailed    = errors.New("background removal failed")
	ErrStripeNotConfigured = errors.New("stripe not configured")
	ErrNoCustomer          = errors.New("no billing customer for this client")
	ErrPremiumRequired     = errors.New("premium required")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// Billing 支付平台能力，未配置 Stripe 时为 nil
type Billing interface {
	entitlement.SessionProvider
	CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (billing.CheckoutLink, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CustomerInfo(ctx context.Context, customerID string) (models.CustomerInfo, error)
	ParseWebhook(payload []byte, signature string) (models.BillingEvent, error)
}

type Mailer interface {
	IsConfigured() bool
	SendReceipt(ctx context.Context, to string, result models.VerificationResult) error
}

type Deps struct {
	KV      kv.Store
	Billing Billing
	Remover inference.Remover
	Mailer  Mailer
}

type Service struct {
	config   config.Config
	kv       kv.Store
	store    *entitlement.Store
	verifier *entitlement.Verifier
	bridge   *entitlement.Bridge
	billing  Billing
	remover  inference.Remover
	mailer   Mailer
	now      func() time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(cfg config.Config, deps Deps) *Service {
	store := entitlement.NewStore(deps.KV, cfg.FreeTrialUses)
	var provider entitlement.SessionProvider
	if deps.Billing != nil {
		provider = deps.Billing
	}
	verifier := entitlement.NewVerifier(store, provider, entitlement.Pricing{
		PayPerUseAmountCents: int64(cfg.PayPerUseAmountCents),
		LifetimeAmountCents:  int64(cfg.LifetimeAmountCents),
	})
	return &Service{
		config:   cfg,
		kv:       deps.KV,
		store:    store,
		verifier: verifier,
		bridge:   entitlement.NewBridge(verifier, cfg.CheckoutTrustedOrigin),
		billing:  deps.Billing,
		remover:  deps.Remover,
		mailer:   deps.Mailer,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// NewClientID 为匿名客户端分配 id
func (s *Service) NewClientID() string {
	return uuid.NewString()
}

type EntitlementView struct {
	models.EntitlementState
	CanProcess      bool                       `json:"can_process"`
	HasReachedLimit bool                       `json:"has_reached_limit"`
	Verification    *models.VerificationResult `json:"verification,omitempty"`
}

func view(state models.EntitlementState) EntitlementView {
	can := entitlement.CanProcess(state)
	return EntitlementView{EntitlementState: state, CanProcess: can, HasReachedLimit: !can}
}

// Entitlement 加载状态；存在待确认会话且非会员时先重试校验
func (s *Service) Entitlement(ctx context.Context, clientID string) EntitlementView {
	unlock := s.store.Lock(clientID)
	defer unlock()

	state := s.store.Load(ctx, clientID)
	if state.PendingSessionID == "" || state.IsPremium {
		return view(state)
	}
	res := s.verifier.VerifyLocked(ctx, clientID, state.PendingSessionID)
	v := view(s.store.Load(ctx, clientID))
	v.Verification = &res
	return v
}

func (s *Service) CanProcess(ctx context.Context, clientID string) models.UsageEvent {
	event := entitlement.Decide(s.store.Load(ctx, clientID))
	entitlement.RecordDecision(event.Allowed)
	return event
}

type ProcessResult struct {
	JobID  string                  `json:"job_id"`
	Output inference.Output        `json:"output"`
	Bucket models.Bucket           `json:"bucket"`
	State  models.EntitlementState `json:"entitlement"`
}

func (s *Service) ProcessImage(ctx context.Context, clientID string, in inference.Input) (ProcessResult, error) {
	if in.Endpoint == inference.EndpointText {
		return ProcessResult{}, fmt.Errorf("%w: use the url endpoint", ErrInvalidRequest)
	}
	return s.process(ctx, clientID, in)
}

func (s *Service) ProcessURL(ctx context.Context, clientID, imageURL string) (ProcessResult, error) {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ProcessResult{}, fmt.Errorf("%w: image url must be http or https", ErrInvalidRequest)
	}
	return s.process(ctx, clientID, inference.Input{Endpoint: inference.EndpointText, URL: u.String()})
}

// process 准入、调用模型，成功后才扣减额度
func (s *Service) process(ctx context.Context, clientID string, in inference.Input) (ProcessResult, error) {
	if s.remover == nil {
		return ProcessResult{}, inference.ErrNotConfigured
	}
	release, ok := s.acquire(clientID)
	if !ok {
		return ProcessResult{}, ErrBusy
	}
	defer release()

	event := s.CanProcess(ctx, clientID)
	if !event.Allowed {
		return ProcessResult{}, ErrLimitReached
	}

	jobID := ksuid.New().String()
	logger := log.With().Str("job_id", jobID).Str("client_id", clientID).Str("endpoint", string(in.Endpoint)).Logger()
	logger.Info().Str("bucket", string(event.Bucket)).Msg("processing started")

	out, err := s.remover.Remove(ctx, in)
	if err != nil {
		logger.Warn().Err(err).Msg("processing failed, no credit debited")
		return ProcessResult{}, fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}

	state, bucket, err := s.DebitAfterSuccess(ctx, clientID)
	if errors.Is(err, entitlement.ErrNothingToDebit) {
		logger.Error().Err(err).Msg("credit consumed while processing")
		return ProcessResult{}, fmt.Errorf("debit after processing: %w", err)
	}
	if err != nil {
		logger.Error().Err(err).Msg("debit after successful processing failed")
	}
	logger.Info().Str("bucket", string(bucket)).Int("images", len(out.Images)).Msg("processing complete")
	return ProcessResult{JobID: jobID, Output: out, Bucket: bucket, State: state}, nil
}

func (s *Service) acquire(clientID string) (func(), bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[clientID]; busy {
		return nil, false
	}
	s.inflight[clientID] = struct{}{}
	return func() {
		s.inflightMu.Lock()
		delete(s.inflight, clientID)
		s.inflightMu.Unlock()
	}, true
}

// ReportUsage 前端直连模型成功后回报一次用量；与同一客户端的处理请求互斥
func (s *Service) ReportUsage(ctx context.Context, clientID string) (models.EntitlementState, models.Bucket, error) {
	release, ok := s.acquire(clientID)
	if !ok {
		return models.EntitlementState{}, models.BucketNone, ErrBusy
	}
	defer release()
	return s.DebitAfterSuccess(ctx, clientID)
}

// DebitAfterSuccess 处理成功后扣减一次，会员不扣
func (s *Service) DebitAfterSuccess(ctx context.Context, clientID string) (models.EntitlementState, models.Bucket, error) {
	unlock := s.store.Lock(clientID)
	defer unlock()

	state := s.store.Load(ctx, clientID)
	next, bucket, err := entitlement.Debit(state)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("debit without available credit")
		return state, bucket, err
	}
	entitlement.RecordDebit(string(bucket))
	if bucket == models.BucketPremium {
		return next, bucket, nil
	}
	if err := s.store.Save(ctx, clientID, next); err != nil {
		return state, bucket, err
	}
	return next, bucket, nil
}

type VerifyView struct {
	Result models.VerificationResult `json:"result"`
	State  EntitlementView           `json:"entitlement"`
}

func (s *Service) VerifySession(ctx context.Context, clientID, sessionID string) (VerifyView, error) {
	if sessionID == "" {
		return VerifyView{}, fmt.Errorf("%w: session id required", ErrInvalidRequest)
	}
	res := s.verifier.Verify(ctx, clientID, sessionID)
	return VerifyView{Result: res, State: view(s.store.Load(ctx, clientID))}, nil
}

// ReturnFromCheckout 处理结账返回信号；不可信来源返回 entitlement.ErrUntrustedOrigin
func (s *Service) ReturnFromCheckout(ctx context.Context, clientID string, signal entitlement.Signal) (VerifyView, error) {
	res, err := s.bridge.OnReturn(ctx, clientID, signal)
	if err != nil {
		return VerifyView{}, err
	}
	return VerifyView{Result: res, State: view(s.store.Load(ctx, clientID))}, nil
}

func (s *Service) CreateCheckout(ctx context.Context, clientID string, paymentType models.PaymentType, email string) (billing.CheckoutLink, error) {
	if s.billing == nil {
		return billing.CheckoutLink{}, ErrStripeNotConfigured
	}
	link, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		ClientID:      clientID,
		PaymentType:   paymentType,
		CustomerEmail: email,
	})
	if errors.Is(err, billing.ErrUnsupportedPurchase) {
		return billing.CheckoutLink{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return link, err
}

func (s *Service) customerID(ctx context.Context, clientID string) (string, error) {
	if s.billing == nil {
		return "", ErrStripeNotConfigured
	}
	state := s.store.Load(ctx, clientID)
	if state.CustomerID == "" {
		return "", ErrNoCustomer
	}
	return state.CustomerID, nil
}

func (s *Service) PortalSession(ctx context.Context, clientID, returnURL string) (string, error) {
	customerID, err := s.customerID(ctx, clientID)
	if err != nil {
		return "", err
	}
	return s.billing.CreatePortalSession(ctx, customerID, returnURL)
}

func (s *Service) CustomerInfo(ctx context.Context, clientID string) (models.CustomerInfo, error) {
	customerID, err := s.customerID(ctx, clientID)
	if err != nil {
		return models.CustomerInfo{}, err
	}
	return s.billing.CustomerInfo(ctx, customerID)
}

func (s *Service) Reset(ctx context.Context, clientID string) (models.EntitlementState, error) {
	unlock := s.store.Lock(clientID)
	defer unlock()
	state, err := s.store.Reset(ctx, clientID)
	if err != nil {
		return state, err
	}
	log.Info().Str("client_id", clientID).Msg("entitlement reset")
	return state, nil
}
