package entitlement

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]models.CheckoutSession
	err      error
	calls    int
}

func (f *fakeProvider) RetrieveSession(_ context.Context, id string) (models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.CheckoutSession{}, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return models.CheckoutSession{}, ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeProvider) set(s models.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

var testPricing = Pricing{PayPerUseAmountCents: 99, LifetimeAmountCents: 1999}

func setup(t *testing.T) (*Store, *Verifier, *fakeProvider) {
	t.Helper()
	store := NewStore(kv.NewMemory(), 1)
	provider := &fakeProvider{sessions: map[string]models.CheckoutSession{}}
	return store, NewVerifier(store, provider, testPricing), provider
}

func paidSubscription(id, clientID string) models.CheckoutSession {
	return models.CheckoutSession{
		ID:                 id,
		Status:             models.CheckoutStatusComplete,
		PaymentStatus:      models.CheckoutPaymentPaid,
		Mode:               models.CheckoutModeSubscription,
		AmountTotal:        399,
		ClientReferenceID:  clientID,
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: "active",
	}
}

func paidPayPerUse(id, clientID string) models.CheckoutSession {
	return models.CheckoutSession{
		ID:                id,
		Status:            models.CheckoutStatusComplete,
		PaymentStatus:     models.CheckoutPaymentPaid,
		Mode:              models.CheckoutModePayment,
		AmountTotal:       99,
		ClientReferenceID: clientID,
		PaymentIntentID:   "pi_1",
	}
}

func TestStore_LoadDefaults(t *testing.T) {
	store := NewStore(kv.NewMemory(), 1)
	state := store.Load(context.Background(), "c1")
	assert.Equal(t, models.EntitlementState{FreeUsesRemaining: 1, PaymentType: models.PaymentNone}, state)
}

func TestStore_LoadIgnoresCorruptFields(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	require.NoError(t, backend.Apply(ctx, clientNamespace("c1"), kv.Batch{Set: map[string]string{
		KeyFreeUses:    "-3",
		KeyPaidCredits: "two",
		KeyPremium:     "yes please",
		KeyPaymentType: "budget",
	}}))

	state := NewStore(backend, 1).Load(ctx, "c1")
	assert.Equal(t, 1, state.FreeUsesRemaining)
	assert.Zero(t, state.PaidCredits)
	assert.False(t, state.IsPremium)
	assert.Equal(t, models.PaymentNone, state.PaymentType)
}

func TestStore_LoadWhenStorageUnavailable(t *testing.T) {
	backend := kv.NewMemory()
	require.NoError(t, backend.Close())
	state := NewStore(backend, 1).Load(context.Background(), "c1")
	assert.Equal(t, 1, state.FreeUsesRemaining)
}

func TestStore_PersistValidatesTypes(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), 1)

	require.NoError(t, store.Persist(ctx, "c1", KeyPaidCredits, 3))
	require.NoError(t, store.Persist(ctx, "c1", KeyPremium, true))
	require.NoError(t, store.Persist(ctx, "c1", KeyPaymentType, models.PaymentOneTime))

	assert.ErrorIs(t, store.Persist(ctx, "c1", KeyPaidCredits, -1), ErrInvalidValue)
	assert.ErrorIs(t, store.Persist(ctx, "c1", KeyPremium, "true"), ErrInvalidValue)
	assert.ErrorIs(t, store.Persist(ctx, "c1", KeyPaymentType, "budget"), ErrInvalidValue)
	assert.ErrorIs(t, store.Persist(ctx, "c1", "bg-removal-other", 1), ErrUnknownField)

	state := store.Load(ctx, "c1")
	assert.Equal(t, 3, state.PaidCredits)
	assert.True(t, state.IsPremium)
	assert.Equal(t, models.PaymentOneTime, state.PaymentType)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), 1)
	require.NoError(t, store.Save(ctx, "c1", models.EntitlementState{
		PaidCredits:      4,
		IsPremium:        true,
		PaymentType:      models.PaymentSubscription,
		PendingSessionID: "cs_x",
		SubscriptionID:   "sub_1",
	}, "cs_old"))

	state, err := store.Reset(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.Defaults(), state)
	assert.Equal(t, store.Defaults(), store.Load(ctx, "c1"))

	granted, err := store.Granted(ctx, "c1", "cs_old")
	require.NoError(t, err)
	assert.True(t, granted, "grant markers survive reset")
}

func TestCanProcess(t *testing.T) {
	cases := []struct {
		name  string
		state models.EntitlementState
		want  bool
	}{
		{"fresh", models.EntitlementState{FreeUsesRemaining: 1}, true},
		{"exhausted", models.EntitlementState{}, false},
		{"paid only", models.EntitlementState{PaidCredits: 2}, true},
		{"premium with empty counters", models.EntitlementState{IsPremium: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanProcess(tc.state))
			assert.Equal(t, tc.want, Decide(tc.state).Allowed)
		})
	}
}

func TestDebit_FreeBeforePaid(t *testing.T) {
	state, bucket, err := Debit(models.EntitlementState{FreeUsesRemaining: 1, PaidCredits: 1})
	require.NoError(t, err)
	assert.Equal(t, models.BucketFree, bucket)
	assert.Equal(t, 0, state.FreeUsesRemaining)
	assert.Equal(t, 1, state.PaidCredits)

	state, bucket, err = Debit(state)
	require.NoError(t, err)
	assert.Equal(t, models.BucketPaid, bucket)
	assert.Equal(t, 0, state.PaidCredits)
}

func TestDebit_NeverNegative(t *testing.T) {
	state, bucket, err := Debit(models.EntitlementState{})
	assert.ErrorIs(t, err, ErrNothingToDebit)
	assert.Equal(t, models.BucketNone, bucket)
	assert.Equal(t, models.EntitlementState{}, state)
}

func TestDebit_PremiumIsNoop(t *testing.T) {
	in := models.EntitlementState{IsPremium: true, FreeUsesRemaining: 1, PaidCredits: 2}
	out, bucket, err := Debit(in)
	require.NoError(t, err)
	assert.Equal(t, models.BucketPremium, bucket)
	assert.Equal(t, in, out)
}

func TestVerify_SubscriptionIdempotent(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.set(paidSubscription("cs_sub", "c1"))
	require.NoError(t, store.Persist(ctx, "c1", KeyPendingSession, "cs_sub"))

	first := verifier.Verify(ctx, "c1", "cs_sub")
	assert.Equal(t, models.OutcomeGranted, first.Outcome)
	assert.Equal(t, models.PaymentSubscription, first.PaymentType)
	assert.False(t, first.AlreadyGranted)

	state := store.Load(ctx, "c1")
	assert.True(t, state.IsPremium)
	assert.Equal(t, models.PaymentSubscription, state.PaymentType)
	assert.Empty(t, state.PendingSessionID)
	assert.Equal(t, "sub_1", state.SubscriptionID)

	second := verifier.Verify(ctx, "c1", "cs_sub")
	assert.Equal(t, models.OutcomeGranted, second.Outcome)
	assert.True(t, second.AlreadyGranted)
	assert.Equal(t, 1, provider.calls, "second verify must not reach the provider")
	assert.Equal(t, state, store.Load(ctx, "c1"))
}

func TestVerify_PayPerUseGrantsOneCreditOnce(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.set(paidPayPerUse("cs_ppu", "c1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verifier.Verify(ctx, "c1", "cs_ppu")
		}()
	}
	wg.Wait()

	state := store.Load(ctx, "c1")
	assert.Equal(t, 1, state.PaidCredits)
	assert.False(t, state.IsPremium)
	assert.Equal(t, models.PaymentPayPerUse, state.PaymentType)
	assert.Equal(t, "pi_1", state.PaymentIntentID)
}

func TestVerify_LifetimeByMetadata(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	s := paidPayPerUse("cs_life", "c1")
	s.AmountTotal = 2500
	s.Metadata = map[string]string{"payment_type": "one-time"}
	provider.set(s)

	res := verifier.Verify(ctx, "c1", "cs_life")
	assert.Equal(t, models.OutcomeGranted, res.Outcome)
	state := store.Load(ctx, "c1")
	assert.True(t, state.IsPremium)
	assert.Equal(t, models.PaymentOneTime, state.PaymentType)
}

func TestVerify_PendingIsRetainedAndRetried(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	s := paidPayPerUse("cs_async", "c1")
	s.PaymentStatus = models.CheckoutPaymentUnpaid
	s.Status = models.CheckoutStatusComplete
	provider.set(s)

	res := verifier.Verify(ctx, "c1", "cs_async")
	assert.Equal(t, models.OutcomePending, res.Outcome)
	assert.Equal(t, "cs_async", store.Load(ctx, "c1").PendingSessionID)

	s.PaymentStatus = models.CheckoutPaymentPaid
	provider.set(s)
	pending := store.Load(ctx, "c1").PendingSessionID
	res = verifier.Verify(ctx, "c1", pending)
	assert.Equal(t, models.OutcomeGranted, res.Outcome)
	state := store.Load(ctx, "c1")
	assert.Empty(t, state.PendingSessionID)
	assert.Equal(t, 1, state.PaidCredits)
}

func TestVerify_ProviderErrorIsFailedAndRetained(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.err = errors.New("connection reset")

	res := verifier.Verify(ctx, "c1", "cs_net")
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "connection reset")
	state := store.Load(ctx, "c1")
	assert.Equal(t, "cs_net", state.PendingSessionID)
	assert.Equal(t, 1, state.FreeUsesRemaining)
	assert.False(t, state.IsPremium)
}

func TestVerify_SubscriptionNotActiveIsPending(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	s := paidSubscription("cs_inc", "c1")
	s.SubscriptionStatus = "incomplete"
	provider.set(s)

	res := verifier.Verify(ctx, "c1", "cs_inc")
	assert.Equal(t, models.OutcomePending, res.Outcome)
	assert.False(t, store.Load(ctx, "c1").IsPremium)
}

func TestVerify_Denied(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		store, verifier, _ := setup(t)
		require.NoError(t, store.Persist(ctx, "c1", KeyPendingSession, "cs_missing"))
		res := verifier.Verify(ctx, "c1", "cs_missing")
		assert.Equal(t, models.OutcomeDenied, res.Outcome)
		assert.Empty(t, store.Load(ctx, "c1").PendingSessionID)
	})

	t.Run("other client", func(t *testing.T) {
		store, verifier, provider := setup(t)
		provider.set(paidPayPerUse("cs_theirs", "c2"))
		res := verifier.Verify(ctx, "c1", "cs_theirs")
		assert.Equal(t, models.OutcomeDenied, res.Outcome)
		assert.Zero(t, store.Load(ctx, "c1").PaidCredits)
	})

	t.Run("unknown amount", func(t *testing.T) {
		store, verifier, provider := setup(t)
		s := paidPayPerUse("cs_odd", "c1")
		s.AmountTotal = 42
		provider.set(s)
		res := verifier.Verify(ctx, "c1", "cs_odd")
		assert.Equal(t, models.OutcomeDenied, res.Outcome)
		assert.Zero(t, store.Load(ctx, "c1").PaidCredits)
	})

	t.Run("expired", func(t *testing.T) {
		_, verifier, provider := setup(t)
		s := paidPayPerUse("cs_exp", "c1")
		s.Status = models.CheckoutStatusExpired
		s.PaymentStatus = models.CheckoutPaymentUnpaid
		provider.set(s)
		assert.Equal(t, models.OutcomeDenied, verifier.Verify(ctx, "c1", "cs_exp").Outcome)
	})
}

func TestVerify_NoProvider(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), 1)
	res := NewVerifier(store, nil, testPricing).Verify(ctx, "c1", "cs_1")
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "cs_1", store.Load(ctx, "c1").PendingSessionID)
}

func TestGrant_WebhookThenVerifyIsNoop(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	s := paidPayPerUse("cs_hook", "c1")
	provider.set(s)

	assert.Equal(t, models.OutcomeGranted, verifier.Grant(ctx, "c1", s).Outcome)
	res := verifier.Verify(ctx, "c1", "cs_hook")
	assert.True(t, res.AlreadyGranted)
	assert.Equal(t, 1, store.Load(ctx, "c1").PaidCredits)
}

func TestSyncSubscription(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.set(paidSubscription("cs_sub", "c1"))
	require.Equal(t, models.OutcomeGranted, verifier.Verify(ctx, "c1", "cs_sub").Outcome)

	clientID, err := verifier.SyncSubscription(ctx, "sub_1", "past_due")
	require.NoError(t, err)
	assert.Equal(t, "c1", clientID)
	assert.True(t, store.Load(ctx, "c1").IsPremium)

	_, err = verifier.SyncSubscription(ctx, "sub_1", "canceled")
	require.NoError(t, err)
	state := store.Load(ctx, "c1")
	assert.False(t, state.IsPremium)
	assert.Equal(t, models.PaymentNone, state.PaymentType)

	_, err = verifier.SyncSubscription(ctx, "sub_1", "active")
	require.NoError(t, err)
	assert.True(t, store.Load(ctx, "c1").IsPremium)

	clientID, err = verifier.SyncSubscription(ctx, "sub_unknown", "canceled")
	require.NoError(t, err)
	assert.Empty(t, clientID)
}

func TestSessionFromURL(t *testing.T) {
	u, err := url.Parse("https://app.example/success?session_id=cs_123&ref=home")
	require.NoError(t, err)

	id, cleaned, ok := SessionFromURL(u)
	assert.True(t, ok)
	assert.Equal(t, "cs_123", id)
	assert.Equal(t, "https://app.example/success?ref=home", cleaned.String())
	assert.Equal(t, "session_id=cs_123&ref=home", u.RawQuery, "input is not modified")

	_, again, ok := SessionFromURL(cleaned)
	assert.False(t, ok, "reloading the cleaned url does not re-trigger verification")
	assert.Equal(t, cleaned.String(), again.String())
}

func TestBridge_RejectsUntrustedOrigin(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.set(paidPayPerUse("cs_msg", "c1"))
	bridge := NewBridge(verifier, "https://js.stripe.com")

	msg := Message{Origin: "https://evil.example", Type: MessageTypeCheckoutComplete}
	msg.Session.ID = "cs_msg"

	_, err := bridge.OnReturn(ctx, "c1", Signal{Message: &msg})
	assert.ErrorIs(t, err, ErrUntrustedOrigin)
	assert.Equal(t, store.Defaults(), store.Load(ctx, "c1"))
	assert.Zero(t, provider.calls)

	msg.Origin = "https://js.stripe.com"
	res, err := bridge.OnReturn(ctx, "c1", Signal{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeGranted, res.Outcome)
}

func TestBridge_MessageWithoutSession(t *testing.T) {
	bridge := NewBridge(nil, "https://js.stripe.com")
	_, err := bridge.SessionFromMessage(Message{Origin: "https://js.stripe.com", Type: "other"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestScenario_FreeTrialExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory(), 1)
	state := store.Load(ctx, "c1")
	require.True(t, CanProcess(state))

	state, _, err := Debit(state)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "c1", state))

	state = store.Load(ctx, "c1")
	assert.Equal(t, 0, state.FreeUsesRemaining)
	assert.Equal(t, 0, state.PaidCredits)
	assert.False(t, state.IsPremium)
	assert.False(t, CanProcess(state))
}

func TestScenario_PayPerUseThenDebit(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	require.NoError(t, store.Persist(ctx, "c1", KeyFreeUses, 0))
	require.False(t, CanProcess(store.Load(ctx, "c1")))

	provider.set(paidPayPerUse("cs_1", "c1"))
	require.Equal(t, models.OutcomeGranted, verifier.Verify(ctx, "c1", "cs_1").Outcome)

	state := store.Load(ctx, "c1")
	assert.Equal(t, 1, state.PaidCredits)
	assert.True(t, CanProcess(state))

	state, bucket, err := Debit(state)
	require.NoError(t, err)
	assert.Equal(t, models.BucketPaid, bucket)
	assert.Equal(t, 0, state.PaidCredits)
}

func TestScenario_SubscriptionUnlimited(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	require.NoError(t, store.Persist(ctx, "c1", KeyFreeUses, 0))
	provider.set(paidSubscription("cs_sub", "c1"))
	require.Equal(t, models.OutcomeGranted, verifier.Verify(ctx, "c1", "cs_sub").Outcome)

	state := store.Load(ctx, "c1")
	assert.True(t, state.IsPremium)
	assert.Equal(t, models.PaymentSubscription, state.PaymentType)
	for i := 0; i < 5; i++ {
		require.True(t, CanProcess(state))
		var err error
		state, _, err = Debit(state)
		require.NoError(t, err)
	}
}

// switchableStore 可以随时断开的存储
type switchableStore struct {
	kv.Store
	mu   sync.Mutex
	down bool
}

var errStorageDown = errors.New("storage down")

func (s *switchableStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *switchableStore) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *switchableStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	if s.isDown() {
		return "", false, errStorageDown
	}
	return s.Store.Get(ctx, namespace, key)
}

func (s *switchableStore) GetAll(ctx context.Context, namespace string) (map[string]string, error) {
	if s.isDown() {
		return nil, errStorageDown
	}
	return s.Store.GetAll(ctx, namespace)
}

func (s *switchableStore) Apply(ctx context.Context, namespace string, batch kv.Batch) error {
	if s.isDown() {
		return errStorageDown
	}
	return s.Store.Apply(ctx, namespace, batch)
}

func TestVerify_DeniesSessionWithoutClientReference(t *testing.T) {
	ctx := context.Background()
	store, verifier, provider := setup(t)
	provider.set(paidPayPerUse("cs_link", ""))

	for _, client := range []string{"a", "b", "c"} {
		res := verifier.Verify(ctx, client, "cs_link")
		assert.Equal(t, models.OutcomeDenied, res.Outcome, client)
		assert.Equal(t, 0, store.Load(ctx, client).PaidCredits, client)
	}
}

func TestVerify_GrantNotDegradedDuringOutage(t *testing.T) {
	ctx := context.Background()
	primary := &switchableStore{Store: kv.NewMemory()}
	store := NewStore(kv.Fallback(primary, kv.NewMemory()), 1)
	provider := &fakeProvider{sessions: map[string]models.CheckoutSession{}}
	verifier := NewVerifier(store, provider, testPricing)

	session := paidPayPerUse("cs_1", "c1")
	session.PaymentStatus = models.CheckoutPaymentUnpaid
	provider.set(session)
	require.Equal(t, models.OutcomePending, verifier.Verify(ctx, "c1", "cs_1").Outcome)

	session.PaymentStatus = models.CheckoutPaymentPaid
	provider.set(session)

	// 存储中断时不授予，会话保持待确认
	primary.setDown(true)
	res := verifier.Verify(ctx, "c1", "cs_1")
	assert.Equal(t, models.OutcomeFailed, res.Outcome)

	primary.setDown(false)
	state := store.Load(ctx, "c1")
	assert.Equal(t, "cs_1", state.PendingSessionID)
	assert.Equal(t, 0, state.PaidCredits)

	res = verifier.Verify(ctx, "c1", "cs_1")
	require.Equal(t, models.OutcomeGranted, res.Outcome)
	assert.False(t, res.AlreadyGranted)
	assert.Equal(t, 1, store.Load(ctx, "c1").PaidCredits)

	res = verifier.Verify(ctx, "c1", "cs_1")
	assert.True(t, res.AlreadyGranted)
	state = store.Load(ctx, "c1")
	assert.Equal(t, 1, state.PaidCredits)
	assert.Empty(t, state.PendingSessionID)
}

func TestVerify_MarkerLookupErrorFails(t *testing.T) {
	ctx := context.Background()
	backend := &switchableStore{Store: kv.NewMemory()}
	store := NewStore(backend, 1)
	provider := &fakeProvider{sessions: map[string]models.CheckoutSession{}}
	verifier := NewVerifier(store, provider, testPricing)
	provider.set(paidPayPerUse("cs_1", "c1"))

	backend.setDown(true)
	res := verifier.Verify(ctx, "c1", "cs_1")
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, provider.calls, "no grant attempted without the marker lookup")

	backend.setDown(false)
	assert.Equal(t, 0, store.Load(ctx, "c1").PaidCredits)
}

func TestPersist_RejectsInvalidPaymentType(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setup(t)

	assert.ErrorIs(t, store.Persist(ctx, "c1", KeyPaymentType, models.PaymentType("gold")), ErrInvalidValue)
	assert.ErrorIs(t, store.Persist(ctx, "c1", KeyPaymentType, "gold"), ErrInvalidValue)
	require.NoError(t, store.Persist(ctx, "c1", KeyPaymentType, models.PaymentNone))
	assert.Equal(t, models.PaymentNone, store.Load(ctx, "c1").PaymentType)
}
