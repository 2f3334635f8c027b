package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const contextKeyClientID contextKey = "client_id"

const (
	clientCookieName = "bgbb_client"
	tokenIssuer      = "bgbyebye"
)

// ClientClaims 匿名客户端令牌，只携带 client id
type ClientClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// generateClientToken 生成客户端令牌
func (s *Server) generateClientToken(clientID string) (string, time.Time, error) {
	if s.cfg.JWTSecretKey == "" {
		return "", time.Time{}, errors.New("JWT secret key not configured")
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.ClientTokenExpiry())
	claims := ClientClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecretKey))
	return signed, expiresAt, err
}

func (s *Server) parseClientToken(tokenString string) (*ClientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecretKey), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// tokenFromRequest 优先 Authorization 头，其次 cookie（结账跳转回来时只有 cookie）
func tokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if cookie, err := r.Cookie(clientCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", errors.New("missing client token")
}

// clientMiddleware 校验客户端令牌并把 client id 放入 context
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusInternalServerError, errors.New("JWT secret key not configured"))
			return
		}
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		claims, err := s.parseClientToken(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClientID, claims.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// supportKeyMiddleware 客服接口，X-Support-Key 与配置的 bcrypt 哈希比对
func (s *Server) supportKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SupportKeyHash == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("support key not configured"))
			return
		}
		key := r.Header.Get("X-Support-Key")
		if key == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-Support-Key header"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.SupportKeyHash), []byte(key)) != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid support key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getClientIDFromContext(ctx context.Context) string {
	if clientID, ok := ctx.Value(contextKeyClientID).(string); ok {
		return clientID
	}
	return ""
}
