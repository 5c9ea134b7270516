package aiusage

import (
	"context"
	"errors"
	"time"
)

// Service enforces the monthly triage allowance.
type Service struct {
	ledger Ledger
	quota  int
	now    func() time.Time
}

// NewService creates a Service; quota <= 0 means DefaultMonthlyQuota.
func NewService(ledger Ledger, quota int) *Service {
	if quota <= 0 {
		quota = DefaultMonthlyQuota
	}
	return &Service{ledger: ledger, quota: quota, now: time.Now}
}

// Use spends one triage call for uid. A caller without a row is initialised
// and the call is charged immediately. Returns ErrQuotaExhausted when the
// month's allowance is used up.
func (s *Service) Use(ctx context.Context, uid string) error {
	period := s.now().UTC().Format(periodLayout)
	err := s.ledger.Spend(ctx, uid, period, s.quota)
	if !errors.Is(err, ErrQuotaExhausted) {
		return err
	}

	// Row may be missing: create it, then retry the deduction once.
	if err := s.ledger.Ensure(ctx, uid, period, s.quota); err != nil {
		return err
	}
	return s.ledger.Spend(ctx, uid, period, s.quota)
}

// Refund gives back one call charged this month, for a classification that
// never produced a result.
func (s *Service) Refund(ctx context.Context, uid string) error {
	return s.ledger.Refund(ctx, uid, s.now().UTC().Format(periodLayout), s.quota)
}
