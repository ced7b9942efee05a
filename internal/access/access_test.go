package access

import (
	"context"
	"errors"
	"testing"
)

type staticMembers map[string]bool

func (m staticMembers) IsCustomer(_ context.Context, id string) (bool, error) {
	return m[id], nil
}

type failingMembers struct{ err error }

func (f failingMembers) IsCustomer(context.Context, string) (bool, error) {
	return false, f.err
}

func TestNewRequiresBanker(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty banker")
	}
}

func TestRequireBanker(t *testing.T) {
	c, err := New("banker")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.RequireBanker("banker"); err != nil {
		t.Fatalf("banker rejected: %v", err)
	}
	for _, caller := range []string{"", "alice", "Banker"} {
		if err := c.RequireBanker(caller); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %q: expected unauthorized, got %v", caller, err)
		}
	}
}

func TestRequireCustomer(t *testing.T) {
	c, _ := New("banker")
	ctx := context.Background()
	members := staticMembers{"alice": true}

	if err := c.RequireCustomer(ctx, members, "alice", "alice"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := c.RequireCustomer(ctx, members, "bob", "alice"); !errors.Is(err, ErrNotCustomer) {
		t.Fatalf("expected not customer for third party, got %v", err)
	}
	if err := c.RequireCustomer(ctx, members, "banker", "alice"); !errors.Is(err, ErrNotCustomer) {
		t.Fatalf("banker must not read customer accounts, got %v", err)
	}
	if err := c.RequireCustomer(ctx, members, "carol", "carol"); !errors.Is(err, ErrNotCustomer) {
		t.Fatalf("expected not customer for non-member, got %v", err)
	}

	boom := errors.New("boom")
	if err := c.RequireCustomer(ctx, failingMembers{err: boom}, "alice", "alice"); !errors.Is(err, boom) {
		t.Fatalf("expected lookup error to propagate, got %v", err)
	}
}
