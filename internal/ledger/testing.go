package ledger

import "context"

// SeedBalance is a test helper that onboards code if needed and sets its balance when
// using the in-memory ledger.
func SeedBalance(l Ledger, code string, amount uint64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		acct := mem.accounts[code]
		acct.Customer = code
		acct.Balance = amount
		if acct.CreatedAt.IsZero() {
			acct.CreatedAt = mem.now()
		}
		acct.UpdatedAt = mem.now()
		mem.accounts[code] = acct
	}
}

// Postings returns the journal lines for customer when using the in-memory ledger.
func Postings(_ context.Context, l Ledger, customer string) []Posting {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return nil
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var out []Posting
	for _, p := range mem.postings {
		if p.Customer == customer {
			out = append(out, p)
		}
	}
	return out
}
