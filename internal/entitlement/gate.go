package entitlement

import (
	"errors"

	"bgbyebye/internal/models"
)

// ErrNothingToDebit 没有可扣减的额度。调用方应先经过 CanProcess，出现即为逻辑错误。
var ErrNothingToDebit = errors.New("nothing to debit")

func CanProcess(state models.EntitlementState) bool {
	return state.IsPremium || state.FreeUsesRemaining > 0 || state.PaidCredits > 0
}

// Decide 给出准入结果以及成功后将扣减的额度桶
func Decide(state models.EntitlementState) models.UsageEvent {
	switch {
	case state.IsPremium:
		return models.UsageEvent{Allowed: true, Bucket: models.BucketPremium}
	case state.FreeUsesRemaining > 0:
		return models.UsageEvent{Allowed: true, Bucket: models.BucketFree}
	case state.PaidCredits > 0:
		return models.UsageEvent{Allowed: true, Bucket: models.BucketPaid}
	default:
		return models.UsageEvent{Allowed: false}
	}
}

// Debit 扣减一次使用：会员不扣，先免费后付费
func Debit(state models.EntitlementState) (models.EntitlementState, models.Bucket, error) {
	event := Decide(state)
	if !event.Allowed {
		gateDecisions.WithLabelValues("debit_empty").Inc()
		return state, models.BucketNone, ErrNothingToDebit
	}
	switch event.Bucket {
	case models.BucketFree:
		state.FreeUsesRemaining--
	case models.BucketPaid:
		state.PaidCredits--
	}
	return state, event.Bucket, nil
}
