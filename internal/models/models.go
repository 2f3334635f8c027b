package models

import "time"

type PaymentType string

const (
	PaymentNone         PaymentType = "none"
	PaymentSubscription PaymentType = "subscription"
	PaymentOneTime      PaymentType = "one-time"
	PaymentPayPerUse    PaymentType = "pay-per-use"
)

// ParsePaymentType 未知取值一律视为 none
func ParsePaymentType(raw string) PaymentType {
	switch PaymentType(raw) {
	case PaymentSubscription, PaymentOneTime, PaymentPayPerUse:
		return PaymentType(raw)
	default:
		return PaymentNone
	}
}

// EntitlementState 单个客户端的用量与付费状态
type EntitlementState struct {
	FreeUsesRemaining int         `json:"free_uses_remaining"`
	PaidCredits       int         `json:"paid_credits"`
	IsPremium         bool        `json:"is_premium"`
	PaymentType       PaymentType `json:"payment_type"`
	PendingSessionID  string      `json:"pending_session_id,omitempty"`
	SubscriptionID    string      `json:"subscription_id,omitempty"`
	PaymentIntentID   string      `json:"payment_intent_id,omitempty"`
	CustomerID        string      `json:"customer_id,omitempty"`
}

func DefaultEntitlement(freeUses int) EntitlementState {
	if freeUses < 0 {
		freeUses = 0
	}
	return EntitlementState{
		FreeUsesRemaining: freeUses,
		PaymentType:       PaymentNone,
	}
}

type Bucket string

const (
	BucketNone    Bucket = ""
	BucketPremium Bucket = "premium"
	BucketFree    Bucket = "free"
	BucketPaid    Bucket = "paid"
)

// UsageEvent 一次处理请求的准入结果，不落库
type UsageEvent struct {
	Allowed bool   `json:"allowed"`
	Bucket  Bucket `json:"bucket,omitempty"`
}

const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

const (
	CheckoutPaymentPaid              = "paid"
	CheckoutPaymentUnpaid            = "unpaid"
	CheckoutPaymentNoPaymentRequired = "no_payment_required"
)

const (
	CheckoutStatusOpen     = "open"
	CheckoutStatusComplete = "complete"
	CheckoutStatusExpired  = "expired"
)

// CheckoutSession 支付平台侧的结账会话快照（只读）
type CheckoutSession struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	PaymentStatus      string            `json:"payment_status"`
	Mode               string            `json:"mode"`
	AmountTotal        int64             `json:"amount_total"`
	ClientReferenceID  string            `json:"client_reference_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CustomerID         string            `json:"customer_id,omitempty"`
	CustomerEmail      string            `json:"customer_email,omitempty"`
	PaymentIntentID    string            `json:"payment_intent_id,omitempty"`
	SubscriptionID     string            `json:"subscription_id,omitempty"`
	SubscriptionStatus string            `json:"subscription_status,omitempty"`
}

func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == CheckoutPaymentPaid || s.PaymentStatus == CheckoutPaymentNoPaymentRequired
}

type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
	OutcomeDenied  Outcome = "denied"
)

type GrantDetails struct {
	SubscriptionID  string `json:"subscription_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	CustomerID      string `json:"customer_id,omitempty"`
	CustomerEmail   string `json:"customer_email,omitempty"`
	Status          string `json:"status,omitempty"`
	AmountTotal     int64  `json:"amount_total,omitempty"`
}

type VerificationResult struct {
	SessionID      string       `json:"session_id"`
	Outcome        Outcome      `json:"outcome"`
	PaymentType    PaymentType  `json:"payment_type,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	AlreadyGranted bool         `json:"already_granted,omitempty"`
	Details        GrantDetails `json:"details"`
}

const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed  = "checkout.session.async_payment_failed"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
)

// BillingEvent 经过签名校验的 webhook 事件
type BillingEvent struct {
	ID                 string
	Type               string
	Session            *CheckoutSession
	SubscriptionID     string
	SubscriptionStatus string
	CreatedAt          time.Time
}

type CustomerInfo struct {
	Customer       Customer        `json:"customer"`
	Subscriptions  []Subscription  `json:"subscriptions"`
	PaymentMethods []PaymentMethod `json:"payment_methods"`
}

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Subscription struct {
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	CurrentPeriodStart time.Time   `json:"current_period_start"`
	CurrentPeriodEnd   time.Time   `json:"current_period_end"`
	CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
	Prices             []PriceInfo `json:"prices"`
}

type PriceInfo struct {
	UnitAmount    int64  `json:"unit_amount"`
	Currency      string `json:"currency"`
	Interval      string `json:"interval,omitempty"`
	IntervalCount int64  `json:"interval_count,omitempty"`
}

type PaymentMethod struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Card *Card  `json:"card,omitempty"`
}

type Card struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}
