package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var errMissingValidator = errors.New("session resolver: validator required")

// Identity is the resolved user behind a connection. The zero value is anonymous.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticated reports whether the identity carries a user id.
func (i Identity) Authenticated() bool {
	return strings.TrimSpace(i.UserID) != ""
}

// IdentityResolver maps validated session claims onto a canonical user identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims SessionClaims) (Identity, error)
}

type SessionResolverConfig struct {
	Validator  *SessionValidator
	Identities IdentityResolver
	Logger     *zap.Logger
}

// SessionResolver turns websocket upgrade requests into identities. It never
// rejects a request: missing or invalid sessions resolve to anonymous.
type SessionResolver struct {
	validator  *SessionValidator
	identities IdentityResolver
	logger     *zap.Logger
}

func NewSessionResolver(cfg SessionResolverConfig) (*SessionResolver, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionResolver{
		validator:  cfg.Validator,
		identities: cfg.Identities,
		logger:     logger,
	}, nil
}

// Resolve returns the identity for the request's session cookie.
func (r *SessionResolver) Resolve(request *http.Request) Identity {
	claims, err := r.validator.ValidateRequest(request)
	if err != nil {
		if !errors.Is(err, ErrMissingSessionToken) {
			r.logger.Debug("session rejected", zap.Error(err))
		}
		return Identity{}
	}

	if r.identities == nil {
		return Identity{
			UserID:      strings.TrimSpace(claims.UserID),
			DisplayName: strings.TrimSpace(claims.UserDisplayName),
		}
	}

	identity, err := r.identities.ResolveIdentity(request.Context(), claims)
	if err != nil {
		r.logger.Warn("session identity lookup failed",
			zap.String("subject", claims.Subject),
			zap.Error(err))
		return Identity{}
	}
	return identity
}
