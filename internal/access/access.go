// Package access resolves a caller identity against the two bank roles: the single
// Banker and the onboarded Customers. The caller is always passed in explicitly.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized is returned when a Banker-only operation is invoked by anyone else.
	ErrUnauthorized = errors.New("caller is not the banker")

	// ErrNotCustomer is returned when the caller is not the onboarded owner of the account.
	ErrNotCustomer = errors.New("caller is not the customer")
)

// Membership answers whether an identity belongs to the customer set.
type Membership interface {
	IsCustomer(ctx context.Context, id string) (bool, error)
}

// Control holds the immutable Banker identity.
type Control struct {
	banker string
}

// New builds a Control for the given Banker identity.
func New(banker string) (*Control, error) {
	banker = strings.TrimSpace(banker)
	if banker == "" {
		return nil, fmt.Errorf("banker identity is required")
	}
	return &Control{banker: banker}, nil
}

// Banker returns the configured Banker identity.
func (c *Control) Banker() string {
	return c.banker
}

// IsBanker reports whether caller is the Banker.
func (c *Control) IsBanker(caller string) bool {
	return caller != "" && caller == c.banker
}

// RequireBanker fails with ErrUnauthorized unless caller is the Banker.
func (c *Control) RequireBanker(caller string) error {
	if !c.IsBanker(caller) {
		return ErrUnauthorized
	}
	return nil
}

// RequireCustomer fails with ErrNotCustomer unless caller acts on its own account and
// that account exists in members.
func (c *Control) RequireCustomer(ctx context.Context, members Membership, caller, customer string) error {
	if caller == "" || caller != customer {
		return ErrNotCustomer
	}
	ok, err := members.IsCustomer(ctx, customer)
	if err != nil {
		return fmt.Errorf("lookup customer: %w", err)
	}
	if !ok {
		return ErrNotCustomer
	}
	return nil
}
