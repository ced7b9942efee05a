package identity

import (
	"errors"
	"time"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid phone or PIN")
	ErrDeviceRequired     = errors.New("device binding required")
	ErrDeviceMismatch     = errors.New("device mismatch")
	ErrWeakPIN            = errors.New("PIN must be at least 4 digits")
)

// User is a registered identity. Its ID is the caller identity the bank sees.
type User struct {
	ID           string
	Phone        string
	Tier         string
	PINHash      []byte
	DeviceID     string
	TokenVersion int
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Credentials request structure.
type Credentials struct {
	Phone    string
	PIN      string
	DeviceID string
}
