package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errMissingToken = errors.New("missing bearer token")

// sessionClaims is the HS256 token payload; only sub and email are consumed.
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
}

type authorizer struct {
	signingKey []byte
	issuer     string
	cookieName string
	limiter    RateLimiter
	logger     *zap.Logger
}

func newAuthorizer(cfg Config, limiter RateLimiter, logger *zap.Logger) *authorizer {
	return &authorizer{
		signingKey: cfg.SigningKey,
		issuer:     strings.TrimSpace(cfg.Issuer),
		cookieName: cfg.CookieName,
		limiter:    limiter,
		logger:     logger,
	}
}

// middleware authenticates the request. Failed attempts count against the auth class keyed by
// client address; once that budget is spent the caller gets 429 instead of 401.
func (auth *authorizer) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal, err := auth.authenticate(ctx)
		if err == nil {
			ctx.Set(contextKeyPrincipal, principal)
			ctx.Next()
			return
		}
		decision, limitErr := auth.limiter.Allow(ctx.Request.Context(), ctx.ClientIP(), ratelimit.ClassAuth)
		if limitErr != nil {
			auth.logger.Error("auth rate limit check failed", zap.Error(limitErr))
		} else if !decision.Allowed {
			respondRateLimited(ctx, decision)
			return
		}
		auth.logger.Debug("authentication failed", zap.String("client_ip", ctx.ClientIP()), zap.Error(err))
		abortWithError(ctx, http.StatusUnauthorized, "unauthorized", "unauthorized")
	}
}

func (auth *authorizer) authenticate(ctx *gin.Context) (Principal, error) {
	raw := bearerToken(ctx.GetHeader("Authorization"))
	if raw == "" {
		if cookie, err := ctx.Cookie(auth.cookieName); err == nil {
			raw = strings.TrimSpace(cookie)
		}
	}
	if raw == "" {
		return Principal{}, errMissingToken
	}
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if auth.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(auth.issuer))
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return auth.signingKey, nil
	}, parserOptions...)
	if err != nil {
		return Principal{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: sub", jwt.ErrTokenRequiredClaimMissing)
	}
	return Principal{UserID: subject, Email: strings.TrimSpace(claims.Email)}, nil
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func principalFrom(ctx *gin.Context) (Principal, bool) {
	value, ok := ctx.Get(contextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}
