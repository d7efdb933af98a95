package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const (
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveIdentity returns the canonical identity for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (auth.Identity, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(auth.Identity); ok {
			return s.refreshCached(ctx, cacheKey, provider, subject, identity, claims), nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where(queryProviderSubject, provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return auth.Identity{}, err
		}
	case err != nil:
		return auth.Identity{}, err
	default:
		updates := map[string]any{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		if err := db.Model(&Identity{}).Where(queryProviderSubject, provider, subject).Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	resolved := auth.Identity{UserID: identity.UserID, DisplayName: identity.DisplayName}
	s.cache.Store(cacheKey, resolved)
	return resolved, nil
}

// refreshCached keeps the cached user id and follows display name changes carried
// by newer sessions.
func (s *Service) refreshCached(ctx context.Context, cacheKey, provider, subject string, cached auth.Identity, claims auth.SessionClaims) auth.Identity {
	display := normalize(claims.UserDisplayName)
	if display == "" || display == cached.DisplayName {
		return cached
	}
	err := s.db.WithContext(ctx).Model(&Identity{}).
		Where(queryProviderSubject, provider, subject).
		Update("user_display_name", display).Error
	if err != nil {
		s.logger.Warn("identity refresh failed",
			zap.String("provider", provider),
			zap.String("subject", subject),
			zap.Error(err))
	}
	refreshed := auth.Identity{UserID: cached.UserID, DisplayName: display}
	s.cache.Store(cacheKey, refreshed)
	return refreshed
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
