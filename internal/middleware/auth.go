package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/config"
)

// ShopClaims are the claims of a dashboard token. Shop carries the shop
// domain; older tokens only set the subject.
type ShopClaims struct {
	Shop string `json:"shop"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ShopID returns the shop the token was issued for.
func (c *ShopClaims) ShopID() string {
	if c.Shop != "" {
		return c.Shop
	}
	return c.Subject
}

// LegacyShopParam is the query parameter older dashboards send the shop in.
const LegacyShopParam = "shopId"

var errNoShop = errors.New("token carries no shop")

// AuthMiddleware verifies HS256 shop tokens and stores the shop id in the
// request context.
type AuthMiddleware struct {
	cfg    config.AuthConfig
	secret []byte
	logger *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg, secret: []byte(cfg.JWTSecret), logger: logger}
}

// ShopIDFromContext returns the authenticated shop, or "" when the request
// carried no valid token.
func ShopIDFromContext(ctx context.Context) string {
	shop, _ := ctx.Value(ShopIDContextKey).(string)
	return shop
}

// WithShopID stores shopID as the authenticated shop.
func WithShopID(ctx context.Context, shopID string) context.Context {
	return context.WithValue(ctx, ShopIDContextKey, shopID)
}

func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Without auth the dashboard names its shop in the query string.
		if !a.cfg.Enabled {
			if shop := r.URL.Query().Get(LegacyShopParam); shop != "" {
				r = r.WithContext(WithShopID(r.Context(), shop))
			}
			next.ServeHTTP(w, r)
			return
		}

		if a.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			a.unauthorized(w)
			return
		}

		claims, err := a.Parse(raw)
		if err != nil {
			a.logger.Warn("invalid token",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			a.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithShopID(r.Context(), claims.ShopID())))
	})
}

// Parse validates a token and returns its claims.
func (a *AuthMiddleware) Parse(raw string) (*ShopClaims, error) {
	claims := &ShopClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, err
	}
	if claims.ShopID() == "" {
		return nil, errNoShop
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (a *AuthMiddleware) shouldSkip(path string) bool {
	for _, skip := range a.cfg.SkipPaths {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}

func (a *AuthMiddleware) unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"MISSING_TOKEN"}`))
}
