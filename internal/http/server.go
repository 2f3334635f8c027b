package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"bgbyebye/internal/billing"
	"bgbyebye/internal/config"
	"bgbyebye/internal/entitlement"
	"bgbyebye/internal/inference"
	"bgbyebye/internal/models"
	"bgbyebye/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxUploadBytes  = 25 << 20
	maxJSONBytes    = 1 << 20
	maxWebhookBytes = 65536
)

type Server struct {
	svc *services.Service
	cfg config.Config
}

func NewServer(svc *services.Service, cfg config.Config) *Server {
	return &Server{svc: svc, cfg: cfg}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if r.Header.Get("Connection") != "Upgrade" {
					respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: fmt.Sprintf("internal server error: %v", rvr)})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// 结账成功跳转，浏览器只带 cookie
	r.With(s.clientMiddleware).Get("/success", s.handleCheckoutReturn)

	r.Route("/api", func(r chi.Router) {
		r.Post("/clients", s.handleCreateClient)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.clientMiddleware)

			r.Get("/entitlement", s.handleGetEntitlement)
			r.Get("/entitlement/can-process", s.handleCanProcess)
			r.Post("/process/image", s.handleProcessImage)
			r.Post("/process/url", s.handleProcessURL)
			r.Post("/usage/debit", s.handleDebit)

			r.Post("/subscription/status", s.handleSubscriptionStatus)
			r.Post("/checkout/message", s.handleCheckoutMessage)
			r.Post("/checkout", s.handleCreateCheckout)
			r.Post("/stripe/create-portal-session", s.handleCreatePortalSession)
			r.Post("/stripe/customer-info", s.handleCustomerInfo)

			r.Post("/icons/pack", s.handleIconPack)
			r.Post("/social-kit", s.handleSocialKit)
		})

		r.Route("/support", func(r chi.Router) {
			r.Use(s.supportKeyMiddleware)

			r.Post("/clients/{id}/reset", s.handleSupportReset)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-Support-Key,Stripe-Signature")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientResponse struct {
	ClientID    string                   `json:"client_id"`
	Token       string                   `json:"token"`
	ExpiresAt   time.Time                `json:"expires_at"`
	Entitlement services.EntitlementView `json:"entitlement"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	clientID := s.svc.NewClientID()
	token, expiresAt, err := s.generateClientToken(clientID)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "generate client token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.AppBaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusCreated, clientResponse{
		ClientID:    clientID,
		Token:       token,
		ExpiresAt:   expiresAt.UTC(),
		Entitlement: s.svc.Entitlement(r.Context(), clientID),
	})
}

func (s *Server) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Entitlement(r.Context(), getClientIDFromContext(r.Context())))
}

func (s *Server) handleCanProcess(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.CanProcess(r.Context(), getClientIDFromContext(r.Context())))
}

type imageResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

type processResponse struct {
	JobID       string                  `json:"job_id"`
	Provider    string                  `json:"provider"`
	Images      []imageResponse         `json:"images"`
	Bucket      models.Bucket           `json:"bucket"`
	Entitlement models.EntitlementState `json:"entitlement"`
}

// toProcessResponse 内联返回的图片转成 data URL
func toProcessResponse(res services.ProcessResult) processResponse {
	images := make([]imageResponse, 0, len(res.Output.Images))
	for _, img := range res.Output.Images {
		u := img.URL
		if u == "" && len(img.Data) > 0 {
			mimeType := img.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			u = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		}
		images = append(images, imageResponse{URL: u, MimeType: img.MimeType})
	}
	return processResponse{
		JobID:       res.JobID,
		Provider:    res.Output.Provider,
		Images:      images,
		Bucket:      res.Bucket,
		Entitlement: res.State,
	}
}

func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	filename, contentType, data, err := readUpload(w, r, "image")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	endpoint, err := inference.ParseEndpoint(r.FormValue("endpoint"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.svc.ProcessImage(r.Context(), getClientIDFromContext(r.Context()), inference.Input{
		Endpoint:    endpoint,
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "process image")
		return
	}
	respondJSON(w, http.StatusOK, toProcessResponse(res))
}

type processURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleProcessURL(w http.ResponseWriter, r *http.Request) {
	var req processURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	res, err := s.svc.ProcessURL(r.Context(), getClientIDFromContext(r.Context()), req.URL)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "process url")
		return
	}
	respondJSON(w, http.StatusOK, toProcessResponse(res))
}

// handleDebit 供前端直连模型时在成功后回报一次用量
func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	state, bucket, err := s.svc.ReportUsage(r.Context(), getClientIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "debit usage")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"bucket":      bucket,
		"entitlement": state,
	})
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.svc.VerifySession(r.Context(), getClientIDFromContext(r.Context()), strings.TrimSpace(req.SessionID))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleCheckoutMessage 前端转发的 postMessage；来源不可信或不是结账消息时静默忽略
func (s *Server) handleCheckoutMessage(w http.ResponseWriter, r *http.Request) {
	var msg entitlement.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.svc.ReturnFromCheckout(r.Context(), getClientIDFromContext(r.Context()), entitlement.Signal{Message: &msg})
	if errors.Is(err, entitlement.ErrUntrustedOrigin) || errors.Is(err, entitlement.ErrNoSession) {
		log.Debug().Err(err).Str("origin", msg.Origin).Str("type", msg.Type).Msg("checkout message ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "checkout message")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleCheckoutReturn 校验后重定向到去掉 session_id 的地址，刷新不会再次触发；
// 没有 session_id 时直接返回当前额度
func (s *Server) handleCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	_, cleaned, ok := entitlement.SessionFromURL(r.URL)
	if !ok {
		respondJSON(w, http.StatusOK, s.svc.Entitlement(r.Context(), getClientIDFromContext(r.Context())))
		return
	}
	target := s.appURL(cleaned)

	res, err := s.svc.ReturnFromCheckout(r.Context(), getClientIDFromContext(r.Context()), entitlement.Signal{URL: r.URL})
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "checkout return")
		return
	}
	query := target.Query()
	query.Set("checkout", string(res.Result.Outcome))
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func (s *Server) appURL(cleaned *url.URL) *url.URL {
	base, err := url.Parse(s.cfg.AppBaseURL)
	if err != nil || base.Host == "" {
		base = &url.URL{Path: "/"}
	}
	target := *base
	if cleaned != nil {
		target.Path = strings.TrimRight(base.Path, "/") + cleaned.Path
		target.RawQuery = cleaned.RawQuery
	}
	return &target
}

type createCheckoutRequest struct {
	PaymentType string `json:"payment_type"`
	Email       string `json:"email"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	paymentType := models.ParsePaymentType(req.PaymentType)
	if paymentType == models.PaymentNone {
		respondError(w, http.StatusBadRequest, errors.New("payment_type must be subscription, one-time or pay-per-use"))
		return
	}
	link, err := s.svc.CreateCheckout(r.Context(), getClientIDFromContext(r.Context()), paymentType, strings.TrimSpace(req.Email))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "create checkout")
		return
	}
	respondJSON(w, http.StatusCreated, link)
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) handleCreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	portalURL, err := s.svc.PortalSession(r.Context(), getClientIDFromContext(r.Context()), req.ReturnURL)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "create portal session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": portalURL})
}

func (s *Server) handleCustomerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.CustomerInfo(r.Context(), getClientIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "customer info")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleIconPack(w http.ResponseWriter, r *http.Request) {
	preview, _ := strconv.ParseBool(r.URL.Query().Get("preview"))
	_, _, data, err := readUpload(w, r, "image")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := s.svc.IconPack(r.Context(), getClientIDFromContext(r.Context()), data, preview)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "icon pack")
		return
	}
	respondFile(w, asset.Filename, asset.ContentType, asset.Data)
}

func (s *Server) handleSocialKit(w http.ResponseWriter, r *http.Request) {
	_, _, data, err := readUpload(w, r, "image")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := s.svc.SocialKit(r.Context(), data)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "social kit")
		return
	}
	respondFile(w, asset.Filename, asset.ContentType, asset.Data)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.respondServiceErrorWithContext(w, r, err, "stripe webhook")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleSupportReset(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, errors.New("client id is required"))
		return
	}
	state, err := s.svc.Reset(r.Context(), clientID)
	if err != nil {
		s.respondServiceErrorWithContext(w, r, err, "support reset")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	s.respondServiceErrorWithContext(w, nil, err, "")
}

func (s *Server) respondServiceErrorWithContext(w http.ResponseWriter, r *http.Request, err error, context string) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidSignature),
		errors.Is(err, inference.ErrInvalidEndpoint),
		errors.Is(err, inference.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrLimitReached), errors.Is(err, services.ErrPremiumRequired):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrBusy), errors.Is(err, entitlement.ErrNothingToDebit):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrNoCustomer), errors.Is(err, billing.ErrCustomerRequired):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, inference.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, services.ErrProcessingFailed):
		respondError(w, http.StatusBadGateway, err)
	case errors.Is(err, services.ErrStripeNotConfigured),
		errors.Is(err, billing.ErrNotConfigured),
		errors.Is(err, inference.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		// 对于未知错误，记录详细日志
		if r != nil {
			respondErrorWithLog(w, r, http.StatusInternalServerError, err, context)
		} else {
			log.Error().Err(err).Str("context", context).Msg("internal server error")
			respondError(w, http.StatusInternalServerError, errors.New(http.StatusText(http.StatusInternalServerError)))
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

// readUpload 读取 multipart 中的单个文件
func readUpload(w http.ResponseWriter, r *http.Request, field string) (string, string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", nil, fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", "", nil, err
	}
	if len(data) == 0 {
		return "", "", nil, fmt.Errorf("%s file is empty", field)
	}
	return header.Filename, header.Header.Get("Content-Type"), data, nil
}
