package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

var zeroAddress common.Address

// CustodyVerifier compares expected and actual custody balances.
type CustodyVerifier interface {
	VerifyCustody(ctx context.Context) (domain.CustodyReport, error)
}

// CustodyGauges receives the expected custody after every check.
type CustodyGauges interface {
	SetCustody(r domain.CustodyReport)
}

// Alerter sends operator alerts regardless of event filters.
type Alerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// CustodyAuditor periodically checks that the ledger holds exactly what the
// registry says it should, updates the custody gauges and alerts once per
// mismatch episode.
type CustodyAuditor struct {
	verifier CustodyVerifier
	gauges   CustodyGauges
	alerter  Alerter
	interval time.Duration
	logger   *slog.Logger

	mismatched bool
}

// NewCustodyAuditor creates an auditor. gauges and alerter may be nil.
func NewCustodyAuditor(v CustodyVerifier, gauges CustodyGauges, alerter Alerter, interval time.Duration, logger *slog.Logger) *CustodyAuditor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CustodyAuditor{
		verifier: v,
		gauges:   gauges,
		alerter:  alerter,
		interval: interval,
		logger:   logger.With(slog.String("component", "custody_auditor")),
	}
}

// Run checks immediately and then on every tick until ctx is cancelled.
func (a *CustodyAuditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.Check(ctx); err != nil && !errors.Is(err, domain.ErrCustodyMismatch) {
			a.logger.WarnContext(ctx, "custody check failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one verification. A mismatch is returned as an error wrapping
// domain.ErrCustodyMismatch.
func (a *CustodyAuditor) Check(ctx context.Context) error {
	report, err := a.verifier.VerifyCustody(ctx)
	if errors.Is(err, domain.ErrCustodyBusy) {
		a.logger.DebugContext(ctx, "custody check skipped, operations in flight")
		return nil
	}
	if a.gauges != nil && report.Underlying != nil {
		a.gauges.SetCustody(report)
	}
	if err == nil {
		if a.mismatched {
			a.logger.InfoContext(ctx, "custody balances reconciled")
		}
		a.mismatched = false
		return nil
	}
	if !errors.Is(err, domain.ErrCustodyMismatch) {
		return fmt.Errorf("service: custody check: %w", err)
	}

	a.logger.ErrorContext(ctx, "custody mismatch", slog.String("error", err.Error()))
	if !a.mismatched && a.alerter != nil {
		if aerr := a.alerter.NotifyAll(ctx, "Custody mismatch", err.Error()); aerr != nil {
			a.logger.WarnContext(ctx, "custody alert failed", slog.String("error", aerr.Error()))
		}
	}
	a.mismatched = true
	return err
}
