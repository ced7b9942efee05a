package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	tierZero = "tier0"
	tierOne  = "tier1"
)

// Service manages identity lifecycle.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Register creates a new Tier0 user and stores a hashed PIN.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	phone := strings.TrimSpace(creds.Phone)
	if phone == "" {
		return User{}, errors.New("phone is required")
	}
	if len(creds.PIN) < 4 {
		return User{}, ErrWeakPIN
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.PIN), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:        uuid.New().String(),
		Phone:     phone,
		Tier:      tierZero,
		PINHash:   hash,
		DeviceID:  creds.DeviceID,
		CreatedAt: s.now(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	return user, nil
}

// Authenticate verifies credentials and device binding. The first successful login
// binds the device and promotes a Tier0 user.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByPhone(ctx, strings.TrimSpace(creds.Phone))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	if err := bcrypt.CompareHashAndPassword(user.PINHash, []byte(creds.PIN)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	if user.DeviceID == "" {
		if creds.DeviceID == "" {
			return User{}, ErrDeviceRequired
		}
		user.DeviceID = creds.DeviceID
	} else if creds.DeviceID != "" && user.DeviceID != creds.DeviceID {
		return User{}, ErrDeviceMismatch
	}

	if user.Tier == tierZero {
		user.Tier = tierOne
	}

	now := s.now()
	if err := s.repo.RecordLogin(ctx, user.ID, user.DeviceID, user.Tier, now); err != nil {
		return User{}, err
	}
	user.LastLoginAt = &now
	return user, nil
}

// Get returns the user with id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// EnsureUser returns the user registered under creds.Phone, registering it first when
// absent. An existing user must match the PIN.
func (s *Service) EnsureUser(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByPhone(ctx, strings.TrimSpace(creds.Phone))
	switch {
	case err == nil:
		if err := bcrypt.CompareHashAndPassword(user.PINHash, []byte(creds.PIN)); err != nil {
			return User{}, fmt.Errorf("existing user %s: %w", user.Phone, ErrInvalidCredentials)
		}
		return user, nil
	case errors.Is(err, ErrUserNotFound):
		return s.Register(ctx, creds)
	default:
		return User{}, err
	}
}
