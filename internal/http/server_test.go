package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bgbyebye/internal/billing"
	"bgbyebye/internal/config"
	"bgbyebye/internal/entitlement"
	"bgbyebye/internal/inference"
	"bgbyebye/internal/kv"
	"bgbyebye/internal/models"
	"bgbyebye/internal/services"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubBilling struct {
	mu       sync.Mutex
	sessions map[string]models.CheckoutSession
}

func (b *stubBilling) RetrieveSession(_ context.Context, id string) (models.CheckoutSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return models.CheckoutSession{}, entitlement.ErrSessionNotFound
	}
	return s, nil
}

func (b *stubBilling) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (billing.CheckoutLink, error) {
	return billing.CheckoutLink{SessionID: "cs_new", URL: "https://checkout.example/cs_new?client=" + req.ClientID}, nil
}

func (b *stubBilling) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func (b *stubBilling) CustomerInfo(_ context.Context, customerID string) (models.CustomerInfo, error) {
	return models.CustomerInfo{Customer: models.Customer{ID: customerID}}, nil
}

func (b *stubBilling) ParseWebhook(_ []byte, _ string) (models.BillingEvent, error) {
	return models.BillingEvent{}, billing.ErrInvalidSignature
}

type stubRemover struct {
	err error
}

func (r stubRemover) Remove(_ context.Context, _ inference.Input) (inference.Output, error) {
	if r.err != nil {
		return inference.Output{}, r.err
	}
	return inference.Output{Provider: "stub", Images: []inference.Image{{Data: []byte("png"), MimeType: "image/png"}}}, nil
}

const supportKey = "let-me-in"

type testEnv struct {
	handler http.Handler
	server  *Server
	billing *stubBilling
}

func newTestEnv(t *testing.T, remover inference.Remover) testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(supportKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Config{
		AppBaseURL:             "https://app.example",
		FreeTrialUses:          1,
		PayPerUseAmountCents:   99,
		LifetimeAmountCents:    1999,
		CheckoutTrustedOrigin:  "https://js.stripe.com",
		JWTSecretKey:           "test-secret",
		ClientTokenExpiryHours: 1,
		SupportKeyHash:         string(hash),
	}
	b := &stubBilling{sessions: map[string]models.CheckoutSession{}}
	svc := services.New(cfg, services.Deps{KV: kv.NewMemory(), Billing: b, Remover: remover})
	srv := NewServer(svc, cfg)
	return testEnv{handler: srv.Routes(), server: srv, billing: b}
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) newClient(t *testing.T) clientResponse {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodPost, "/api/clients", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	var out clientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Token)
	return out
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func imageUpload(t *testing.T, target string, fields map[string]string) *http.Request {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: 80, B: 200, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("image", "logo.png")
	require.NoError(t, err)
	_, err = part.Write(pngBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateClient_IssuesTokenAndCookie(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/clients", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	out := decodeBody[clientResponse](t, rec)
	assert.NotEmpty(t, out.ClientID)
	assert.Equal(t, 1, out.Entitlement.FreeUsesRemaining)
	assert.True(t, out.Entitlement.CanProcess)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	claims, err := env.server.parseClientToken(out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.ClientID, claims.ClientID)
}

func TestClientMiddleware(t *testing.T) {
	env := newTestEnv(t, stubRemover{})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), "garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 其他密钥签发的令牌
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, ClientClaims{
		ClientID:         "c1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), signed))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	client := env.newClient(t)
	req := httptest.NewRequest(http.MethodGet, "/api/entitlement", nil)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: client.Token})
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessImage_FreeTrialThenLimit(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(imageUpload(t, "/api/process/image", map[string]string{"endpoint": "/png"}), client.Token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[processResponse](t, rec)
	assert.Equal(t, models.BucketFree, out.Bucket)
	assert.Equal(t, 0, out.Entitlement.FreeUsesRemaining)
	require.Len(t, out.Images, 1)
	assert.True(t, strings.HasPrefix(out.Images[0].URL, "data:image/png;base64,"))

	rec = env.do(authed(imageUpload(t, "/api/process/image", nil), client.Token))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement/can-process", nil), client.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[models.UsageEvent](t, rec).Allowed)
}

func TestProcessImage_FailureKeepsCredit(t *testing.T) {
	env := newTestEnv(t, stubRemover{err: errors.New("model crashed")})
	client := env.newClient(t)

	rec := env.do(authed(imageUpload(t, "/api/process/image", nil), client.Token))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), client.Token))
	assert.Equal(t, 1, decodeBody[services.EntitlementView](t, rec).FreeUsesRemaining)
}

func TestProcessImage_InvalidEndpoint(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(imageUpload(t, "/api/process/image", map[string]string{"endpoint": "/gif"}), client.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessURL_RejectsNonHTTP(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	req := httptest.NewRequest(http.MethodPost, "/api/process/url", strings.NewReader(`{"url":"file:///etc/passwd"}`))
	rec := env.do(authed(req, client.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutReturn_VerifiesAndStripsSession(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)
	env.billing.sessions["cs_life"] = models.CheckoutSession{
		ID: "cs_life", Status: "complete", PaymentStatus: "paid", Mode: "payment",
		AmountTotal: 1999, ClientReferenceID: client.ClientID,
	}

	req := httptest.NewRequest(http.MethodGet, "/success?session_id=cs_life&ref=nav", nil)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: client.Token})
	rec := env.do(req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://app.example/success?checkout=granted&ref=nav", rec.Header().Get("Location"))

	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), client.Token))
	view := decodeBody[services.EntitlementView](t, rec)
	assert.True(t, view.IsPremium)
	assert.Equal(t, models.PaymentOneTime, view.PaymentType)
}

func TestCheckoutReturn_NoSessionReturnsEntitlement(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	req := httptest.NewRequest(http.MethodGet, "/success?checkout=granted", nil)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: client.Token})
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[services.EntitlementView](t, rec).FreeUsesRemaining)
}

func TestCheckoutMessage(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)
	env.billing.sessions["cs_ppu"] = models.CheckoutSession{
		ID: "cs_ppu", Status: "complete", PaymentStatus: "paid", Mode: "payment",
		AmountTotal: 99, ClientReferenceID: client.ClientID,
	}
	message := func(origin string) *http.Request {
		body := `{"origin":"` + origin + `","type":"stripe_checkout_session_complete","session":{"id":"cs_ppu"}}`
		return authed(httptest.NewRequest(http.MethodPost, "/api/checkout/message", strings.NewReader(body)), client.Token)
	}

	rec := env.do(message("https://evil.example"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(authed(httptest.NewRequest(http.MethodGet, "/api/entitlement", nil), client.Token))
	assert.Equal(t, 0, decodeBody[services.EntitlementView](t, rec).PaidCredits)

	rec = env.do(message("https://js.stripe.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[services.VerifyView](t, rec)
	assert.Equal(t, models.OutcomeGranted, res.Result.Outcome)
	assert.Equal(t, 1, res.State.PaidCredits)

	// 重复消息不会重复发放
	rec = env.do(message("https://js.stripe.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeBody[services.VerifyView](t, rec)
	assert.True(t, res.Result.AlreadyGranted)
	assert.Equal(t, 1, res.State.PaidCredits)
}

func TestSubscriptionStatus_RequiresSessionID(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/subscription/status", strings.NewReader(`{}`)), client.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"payment_type":"bogus"}`)), client.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"payment_type":"pay-per-use"}`)), client.Token))
	require.Equal(t, http.StatusCreated, rec.Code)
	link := decodeBody[billing.CheckoutLink](t, rec)
	assert.Equal(t, "cs_new", link.SessionID)
	assert.Contains(t, link.URL, client.ClientID)
}

func TestPortalSession_NoCustomer(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/stripe/create-portal-session", nil), client.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIconPack(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(imageUpload(t, "/api/icons/pack", nil), client.Token))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = env.do(authed(imageUpload(t, "/api/icons/pack?preview=true", nil), client.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "icon-preview.png")
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	assert.NoError(t, err)
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSupportReset(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)
	rec := env.do(authed(imageUpload(t, "/api/process/image", nil), client.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	target := "/api/support/clients/" + client.ClientID + "/reset"
	rec = env.do(httptest.NewRequest(http.MethodPost, target, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("X-Support-Key", "wrong")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("X-Support-Key", supportKey)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[models.EntitlementState](t, rec).FreeUsesRemaining)
}

func TestRespondServiceError(t *testing.T) {
	s := &Server{}
	cases := []struct {
		err  error
		code int
	}{
		{services.ErrInvalidRequest, http.StatusBadRequest},
		{inference.ErrInvalidEndpoint, http.StatusBadRequest},
		{services.ErrLimitReached, http.StatusPaymentRequired},
		{services.ErrPremiumRequired, http.StatusPaymentRequired},
		{services.ErrBusy, http.StatusConflict},
		{entitlement.ErrNothingToDebit, http.StatusConflict},
		{services.ErrNoCustomer, http.StatusNotFound},
		{inference.ErrTimeout, http.StatusGatewayTimeout},
		{services.ErrProcessingFailed, http.StatusBadGateway},
		{services.ErrStripeNotConfigured, http.StatusServiceUnavailable},
		{inference.ErrNotConfigured, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.respondServiceError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestLoggingRecoverer(t *testing.T) {
	h := loggingRecoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "kaboom")
}

func TestUsageDebit(t *testing.T) {
	env := newTestEnv(t, stubRemover{})
	client := env.newClient(t)

	rec := env.do(authed(httptest.NewRequest(http.MethodPost, "/api/usage/debit", nil), client.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authed(httptest.NewRequest(http.MethodPost, "/api/usage/debit", nil), client.Token))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
