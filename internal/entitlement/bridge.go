package entitlement

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"bgbyebye/internal/models"
)

const (
	SessionQueryParam           = "session_id"
	MessageTypeCheckoutComplete = "stripe_checkout_session_complete"
)

var (
	ErrUntrustedOrigin = errors.New("untrusted message origin")
	ErrNoSession       = errors.New("no checkout session in signal")
)

// Message 结账组件通过 postMessage 发来的消息，Origin 由浏览器提供
type Message struct {
	Origin  string `json:"origin"`
	Type    string `json:"type"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

// Signal 从结账返回的两种信号，二选一
type Signal struct {
	URL     *url.URL
	Message *Message
}

// SessionFromURL 取出 session_id，并返回去掉该参数后的地址，刷新页面不会重复触发校验
func SessionFromURL(u *url.URL) (string, *url.URL, bool) {
	if u == nil {
		return "", nil, false
	}
	query := u.Query()
	sessionID := strings.TrimSpace(query.Get(SessionQueryParam))
	cleaned := *u
	query.Del(SessionQueryParam)
	cleaned.RawQuery = query.Encode()
	return sessionID, &cleaned, sessionID != ""
}

type Bridge struct {
	verifier      *Verifier
	trustedOrigin string
}

func NewBridge(verifier *Verifier, trustedOrigin string) *Bridge {
	return &Bridge{verifier: verifier, trustedOrigin: strings.TrimRight(trustedOrigin, "/")}
}

// SessionFromMessage 来源校验是强制的，任何其他来源一律拒绝
func (b *Bridge) SessionFromMessage(msg Message) (string, error) {
	if b.trustedOrigin == "" || msg.Origin != b.trustedOrigin {
		untrustedMessages.Inc()
		return "", ErrUntrustedOrigin
	}
	if msg.Type != MessageTypeCheckoutComplete || strings.TrimSpace(msg.Session.ID) == "" {
		return "", ErrNoSession
	}
	return strings.TrimSpace(msg.Session.ID), nil
}

// OnReturn 把两种返回信号统一为一次 Verify
func (b *Bridge) OnReturn(ctx context.Context, clientID string, signal Signal) (models.VerificationResult, error) {
	var sessionID string
	switch {
	case signal.Message != nil:
		id, err := b.SessionFromMessage(*signal.Message)
		if err != nil {
			return models.VerificationResult{}, err
		}
		sessionID = id
	case signal.URL != nil:
		id, _, ok := SessionFromURL(signal.URL)
		if !ok {
			return models.VerificationResult{}, ErrNoSession
		}
		sessionID = id
	default:
		return models.VerificationResult{}, ErrNoSession
	}
	return b.verifier.Verify(ctx, clientID, sessionID), nil
}
