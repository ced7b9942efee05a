// Package events defines the bank's audit events and the sinks they are fanned out to
// after a state transition commits.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind names a committed state transition.
type Kind string

const (
	KindCustomerAdded  Kind = "CustomerAdded"
	KindDeposit        Kind = "Deposit"
	KindWithdraw       Kind = "Withdraw"
	KindFeeRateChanged Kind = "FeeRateChanged"
)

// Event is one entry of the append-only audit log. Seq is assigned by the ledger in
// commit order; Balance is the customer's balance after the transition.
type Event struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Customer   string    `json:"customer,omitempty"`
	Balance    uint64    `json:"balance"`
	Amount     uint64    `json:"amount,omitempty"`
	Fee        uint64    `json:"fee,omitempty"`
	RateBps    uint32    `json:"rate_bps"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Publisher delivers committed events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish logs the event at info level.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("bank event",
		slog.Uint64("seq", event.Seq),
		slog.String("kind", string(event.Kind)),
		slog.String("customer", event.Customer),
		slog.Uint64("balance", event.Balance),
		slog.Uint64("amount", event.Amount),
		slog.Uint64("fee", event.Fee),
		slog.Any("rate_bps", event.RateBps),
	)
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
