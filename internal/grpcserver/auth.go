package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/ratelimit"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	// ServiceAudience marks tokens that may act on behalf of any user.
	ServiceAudience = "tokenledger.meter"

	metadataAuthorization = "authorization"
	metadataRetryAfter    = "retry-after"

	errorUnauthenticated = "unauthenticated"
	errorPermission      = "user_id does not match the authenticated caller"
	errorRateLimited     = "too many requests"
)

var (
	errMissingToken     = errors.New("missing bearer token")
	errEmptySigningKey  = errors.New("grpcserver: signing key is empty")
	errNilRateLimiter   = errors.New("grpcserver: rate limiter is nil")
	errNoCallerIdentity = errors.New("grpcserver: no caller identity")
)

// RateLimiter is the limiter used for metered calls and failed authentication.
type RateLimiter interface {
	Allow(ctx context.Context, identity string, class ratelimit.Class) (ratelimit.Decision, error)
}

// Caller is the authenticated principal of a call.
type Caller struct {
	Subject string
	// Service callers may debit any user.
	Service bool
}

// MayActFor reports whether the caller may operate on userID.
func (caller Caller) MayActFor(userID string) bool {
	return caller.Service || caller.Subject == strings.TrimSpace(userID)
}

type callerKey struct{}

// CallerFrom returns the caller stored by AuthInterceptor.
func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}

type userScoped interface {
	userIdentity() string
}

func (request *DebitRequest) userIdentity() string   { return strings.TrimSpace(request.UserID) }
func (request *BalanceRequest) userIdentity() string { return strings.TrimSpace(request.UserID) }

type serviceClaims struct {
	jwt.RegisteredClaims
}

// AuthConfig configures AuthInterceptor.
type AuthConfig struct {
	SigningKey []byte
	Issuer     string
}

// AuthInterceptor verifies an HS256 bearer token from the authorization metadata. Failed
// attempts count against the auth class keyed by peer address.
func AuthInterceptor(cfg AuthConfig, limiter RateLimiter, logger *zap.Logger) (grpc.UnaryServerInterceptor, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errEmptySigningKey
	}
	if limiter == nil {
		return nil, errNilRateLimiter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(parserOptions...)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		caller, err := authenticate(ctx, parser, cfg.SigningKey)
		if err == nil {
			return handler(context.WithValue(ctx, callerKey{}, caller), request)
		}
		address := peerAddress(ctx)
		decision, limitErr := limiter.Allow(ctx, address, ratelimit.ClassAuth)
		if limitErr != nil {
			logger.Error("auth rate limit check failed", zap.Error(limitErr))
		} else if !decision.Allowed {
			return nil, rateLimited(ctx, decision)
		}
		logger.Debug("grpc authentication failed",
			zap.String("method", info.FullMethod),
			zap.String("peer", address),
			zap.Error(err),
		)
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}, nil
}

// RateLimitInterceptor applies the api class to the user a call operates on, after checking
// that the authenticated caller may act for that user.
func RateLimitInterceptor(limiter RateLimiter, logger *zap.Logger) (grpc.UnaryServerInterceptor, error) {
	if limiter == nil {
		return nil, errNilRateLimiter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		scoped, ok := request.(userScoped)
		if !ok {
			return handler(ctx, request)
		}
		caller, ok := CallerFrom(ctx)
		if !ok {
			logger.Error("grpc call without caller", zap.String("method", info.FullMethod), zap.Error(errNoCallerIdentity))
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		identity := scoped.userIdentity()
		if identity == "" {
			// Handlers report the missing user_id.
			return handler(ctx, request)
		}
		if !caller.MayActFor(identity) {
			return nil, status.Error(codes.PermissionDenied, errorPermission)
		}
		decision, err := limiter.Allow(ctx, identity, ratelimit.ClassAPI)
		if err != nil {
			logger.Error("rate limit check failed", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Internal, errorInternal)
		}
		if !decision.Allowed {
			return nil, rateLimited(ctx, decision)
		}
		return handler(ctx, request)
	}, nil
}

func authenticate(ctx context.Context, parser *jwt.Parser, signingKey []byte) (Caller, error) {
	raw := bearerToken(ctx)
	if raw == "" {
		return Caller{}, errMissingToken
	}
	claims := &serviceClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	}); err != nil {
		return Caller{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Caller{}, fmt.Errorf("%w: sub", jwt.ErrTokenRequiredClaimMissing)
	}
	return Caller{Subject: subject, Service: slices.Contains(claims.Audience, ServiceAudience)}, nil
}

func bearerToken(ctx context.Context) string {
	incoming, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range incoming.Get(metadataAuthorization) {
		scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

func peerAddress(ctx context.Context) string {
	info, ok := peer.FromContext(ctx)
	if !ok || info.Addr == nil {
		return "unknown"
	}
	address := info.Addr.String()
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	if address == "" {
		return "unknown"
	}
	return address
}

func rateLimited(ctx context.Context, decision ratelimit.Decision) error {
	retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(metadataRetryAfter, strconv.Itoa(retrySeconds)))
	return status.Error(codes.ResourceExhausted, errorRateLimited)
}

// BearerCredentials attaches a bearer token to every call.
type BearerCredentials struct {
	Token string
	// AllowInsecure permits sending the token without transport security.
	AllowInsecure bool
}

func (credentials BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{metadataAuthorization: "Bearer " + credentials.Token}, nil
}

func (credentials BearerCredentials) RequireTransportSecurity() bool {
	return !credentials.AllowInsecure
}
