package auth

import (
	"context"
	"time"

	"github.com/congo-pay/tokenbank/internal/config"
	"github.com/congo-pay/tokenbank/internal/identity"
)

// Service issues and verifies access and refresh tokens.
type Service struct {
	cfg    config.Config
	idRepo identity.Repository
	now    func() time.Time
}

// NewService builds a token service over the identity store.
func NewService(cfg config.Config, idRepo identity.Repository) *Service {
	return &Service{cfg: cfg, idRepo: idRepo, now: time.Now}
}

// TokenPair is returned on login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login issues a token pair for an authenticated user.
func (s *Service) Login(user identity.User) (TokenPair, error) {
	now := s.now()
	access, err := sign(newClaims(user.ID, user.Phone, user.Tier, kindAccess, s.cfg.AppName, user.TokenVersion, now, s.cfg.AccessTokenTTL), s.cfg.JWTSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := sign(newClaims(user.ID, "", "", kindRefresh, s.cfg.AppName, user.TokenVersion, now, s.cfg.RefreshTokenTTL), s.cfg.RefreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds())}, nil
}

// Refresh verifies the refresh token and returns a new access token if valid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	claims, err := parse(refreshToken, s.cfg.RefreshSecret, kindRefresh)
	if err != nil {
		return "", 0, err
	}
	user, err := s.current(ctx, claims)
	if err != nil {
		return "", 0, err
	}

	signed, err := sign(newClaims(user.ID, user.Phone, user.Tier, kindAccess, s.cfg.AppName, user.TokenVersion, s.now(), s.cfg.AccessTokenTTL), s.cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.cfg.AccessTokenTTL.Seconds()), nil
}

// Logout increments the token version of the refresh token's owner so every token
// issued before becomes invalid.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := parse(refreshToken, s.cfg.RefreshSecret, kindRefresh)
	if err != nil {
		return err
	}
	user, err := s.current(ctx, claims)
	if err != nil {
		return err
	}
	return s.idRepo.UpdateTokenVersion(ctx, user.ID, user.TokenVersion+1)
}

// Verify checks an access token and returns its claims.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := parse(accessToken, s.cfg.JWTSecret, kindAccess)
	if err != nil {
		return nil, err
	}
	if _, err := s.current(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) current(ctx context.Context, claims *Claims) (identity.User, error) {
	user, err := s.idRepo.FindByID(ctx, claims.Subject)
	if err != nil {
		return identity.User{}, ErrInvalidToken
	}
	if user.TokenVersion != claims.Version {
		return identity.User{}, ErrTokenInvalidated
	}
	return user, nil
}
