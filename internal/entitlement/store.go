// Package entitlement 管理匿名客户端的免费试用、付费额度与会员状态。
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"

	"github.com/rs/zerolog/log"
)

// 持久化字段，一个字段一个 key，值均为字符串
const (
	KeyFreeUses        = "bg-removal-usage"
	KeyPaidCredits     = "bg-removal-paid-usage"
	KeyPremium         = "bg-removal-premium"
	KeyPaymentType     = "bg-removal-payment-type"
	KeyPendingSession  = "bg-removal-pending-session"
	KeySubscriptionID  = "bg-removal-subscription-id"
	KeyPaymentIntentID = "bg-removal-payment-intent-id"
	KeyCustomerID      = "bg-removal-customer-id"

	grantMarkerPrefix = "bg-removal-granted:"
)

var (
	ErrUnknownField = errors.New("unknown entitlement field")
	ErrInvalidValue = errors.New("invalid entitlement value")
)

func clientNamespace(clientID string) string {
	return "client:" + clientID
}

func grantMarker(sessionID string) string {
	return grantMarkerPrefix + sessionID
}

// Store 客户端权益状态的唯一读写入口
type Store struct {
	kv       kv.Store
	freeUses int
	locks    *clientLocks
}

func NewStore(backend kv.Store, freeUses int) *Store {
	if freeUses < 0 {
		freeUses = 0
	}
	return &Store{kv: backend, freeUses: freeUses, locks: newClientLocks()}
}

// Lock 串行化同一客户端的读-改-写，返回解锁函数
func (s *Store) Lock(clientID string) func() {
	return s.locks.lock(clientID)
}

func (s *Store) Defaults() models.EntitlementState {
	return models.DefaultEntitlement(s.freeUses)
}

// Load 读取客户端状态。缺失或无法解析的字段回落到默认值，存储错误不会导致失败。
func (s *Store) Load(ctx context.Context, clientID string) models.EntitlementState {
	state := s.Defaults()
	values, err := s.kv.GetAll(ctx, clientNamespace(clientID))
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("load entitlement failed, using defaults")
		return state
	}

	if n, ok := parseCount(values[KeyFreeUses]); ok {
		state.FreeUsesRemaining = n
	}
	if n, ok := parseCount(values[KeyPaidCredits]); ok {
		state.PaidCredits = n
	}
	if b, err := strconv.ParseBool(values[KeyPremium]); err == nil {
		state.IsPremium = b
	}
	state.PaymentType = models.ParsePaymentType(values[KeyPaymentType])
	state.PendingSessionID = values[KeyPendingSession]
	state.SubscriptionID = values[KeySubscriptionID]
	state.PaymentIntentID = values[KeyPaymentIntentID]
	state.CustomerID = values[KeyCustomerID]
	return state
}

func parseCount(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Persist 写入单个字段，仅做类型校验
func (s *Store) Persist(ctx context.Context, clientID, field string, value any) error {
	encoded, err := encodeField(field, value)
	if err != nil {
		return err
	}
	if encoded == "" {
		return kv.Delete(ctx, s.kv, clientNamespace(clientID), field)
	}
	return kv.Set(ctx, s.kv, clientNamespace(clientID), field, encoded)
}

func encodeField(field string, value any) (string, error) {
	switch field {
	case KeyFreeUses, KeyPaidCredits:
		n, ok := value.(int)
		if !ok || n < 0 {
			return "", fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		return strconv.Itoa(n), nil
	case KeyPremium:
		b, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		return strconv.FormatBool(b), nil
	case KeyPaymentType:
		switch v := value.(type) {
		case models.PaymentType:
			return encodePaymentType(field, string(v))
		case string:
			return encodePaymentType(field, v)
		}
		return "", fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
	case KeyPendingSession, KeySubscriptionID, KeyPaymentIntentID, KeyCustomerID:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func encodePaymentType(field, raw string) (string, error) {
	if models.ParsePaymentType(raw) == models.PaymentNone && raw != string(models.PaymentNone) {
		return "", fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, raw)
	}
	return raw, nil
}

func encodeState(state models.EntitlementState) kv.Batch {
	batch := kv.Batch{Set: map[string]string{
		KeyFreeUses:    strconv.Itoa(max(state.FreeUsesRemaining, 0)),
		KeyPaidCredits: strconv.Itoa(max(state.PaidCredits, 0)),
		KeyPremium:     strconv.FormatBool(state.IsPremium),
		KeyPaymentType: string(models.ParsePaymentType(string(state.PaymentType))),
	}}
	optional := map[string]string{
		KeyPendingSession:  state.PendingSessionID,
		KeySubscriptionID:  state.SubscriptionID,
		KeyPaymentIntentID: state.PaymentIntentID,
		KeyCustomerID:      state.CustomerID,
	}
	for k, v := range optional {
		if v == "" {
			batch.Delete = append(batch.Delete, k)
		} else {
			batch.Set[k] = v
		}
	}
	return batch
}

// Save 原子写入整个状态；grantedSessions 的授予标记在同一批次落库，
// 带授予标记的批次必须写入持久存储，不会退回内存
func (s *Store) Save(ctx context.Context, clientID string, state models.EntitlementState, grantedSessions ...string) error {
	batch := encodeState(state)
	for _, id := range grantedSessions {
		batch.Set[grantMarker(id)] = "1"
	}
	batch.Durable = len(grantedSessions) > 0
	return s.kv.Apply(ctx, clientNamespace(clientID), batch)
}

// Granted 该会话是否已经为此客户端授予过权益
func (s *Store) Granted(ctx context.Context, clientID, sessionID string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, clientNamespace(clientID), grantMarker(sessionID))
	return ok, err
}

// Reset 恢复默认试用状态。授予标记保留，已使用过的会话不能再次兑换。
func (s *Store) Reset(ctx context.Context, clientID string) (models.EntitlementState, error) {
	state := s.Defaults()
	if err := s.Save(ctx, clientID, state); err != nil {
		return state, err
	}
	return state, nil
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type clientLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newClientLocks() *clientLocks {
	return &clientLocks{entries: make(map[string]*lockEntry)}
}

func (l *clientLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
