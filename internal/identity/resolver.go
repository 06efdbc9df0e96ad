package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Looks up active API keys, satisfied by *service.APIKeyService
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.APIKey, error)
	TouchAsync(id uuid.UUID)
}

// Source records which credential produced an identity
type Source string

const (
	SourceToken   Source = "token"
	SourceAPIKey  Source = "api_key"
	SourceAddress Source = "address"
)

// Resolved is a throttle identity plus where it came from
type Resolved struct {
	throttle.Identity
	Source Source
	APIKey *models.APIKey
}

type Resolver struct {
	jwtSecret []byte
	keys      KeyValidator
}

// NewResolver accepts an empty secret (bearer tokens are then rejected) and a nil validator (API keys rejected)
func NewResolver(jwtSecret string, keys KeyValidator) *Resolver {
	return &Resolver{
		jwtSecret: []byte(jwtSecret),
		keys:      keys,
	}
}

// Resolve picks the caller identity in order: bearer token, API key, client address.
// A presented but invalid credential is an error rather than a silent downgrade to Anonymous.
func (r *Resolver) Resolve(req *http.Request, clientIP string) (Resolved, error) {
	if auth := req.Header.Get("Authorization"); auth != "" {
		return r.fromToken(auth)
	}

	if key := strings.TrimSpace(req.Header.Get("X-API-Key")); key != "" {
		return r.fromAPIKey(req.Context(), key)
	}

	return FromAddress(clientIP), nil
}

// FromAddress builds the Anonymous identity for a client address
func FromAddress(addr string) Resolved {
	return Resolved{
		Identity: throttle.Identity{
			Key:  "ip:" + NormalizeAddress(addr),
			Tier: throttle.TierAnonymous,
		},
		Source: SourceAddress,
	}
}

func (r *Resolver) fromToken(header string) (Resolved, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Resolved{}, fmt.Errorf("%w: expected Bearer <token>", ErrInvalidToken)
	}
	if len(r.jwtSecret) == 0 {
		return Resolved{}, fmt.Errorf("%w: token authentication disabled", ErrInvalidToken)
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		return r.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Resolved{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Resolved{}, ErrInvalidToken
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		subject = claimString(claims, "user_id")
	}
	if subject == "" {
		return Resolved{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	tier := throttle.TierAuthenticated
	if t := claimString(claims, "tier"); t != "" {
		tier = throttle.Tier(t)
	}

	return Resolved{
		Identity: throttle.Identity{Key: "user:" + subject, Tier: tier},
		Source:   SourceToken,
	}, nil
}

func (r *Resolver) fromAPIKey(ctx context.Context, key string) (Resolved, error) {
	if r.keys == nil {
		return Resolved{}, ErrInvalidAPIKey
	}

	apiKey, err := r.keys.Validate(ctx, key)
	if err != nil {
		return Resolved{}, fmt.Errorf("validate API key: %w", err)
	}
	if apiKey == nil || !apiKey.IsActive {
		return Resolved{}, ErrInvalidAPIKey
	}

	r.keys.TouchAsync(apiKey.ID)

	return Resolved{
		Identity: apiKey.Identity(),
		Source:   SourceAPIKey,
		APIKey:   apiKey,
	}, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
