package budget

import (
	"context"

	"github.com/rs/zerolog"
)

// Alert types published to the notification dispatcher.
const (
	AlertWarning  = "budget_warning"
	AlertCritical = "budget_critical"
)

// Notifier dispatches alerts. Fire-and-forget: implementations log failures
// and never return them into the ledger path.
type Notifier interface {
	Notify(ctx context.Context, tenantID, alertType string, payload map[string]any)
}

// Alert is a threshold crossing waiting to be announced.
type Alert struct {
	Type        string
	Utilization float64
	Threshold   float64
}

// AlertEvaluator fires Warning/Critical alerts exactly once per upward
// threshold crossing. The latches live on the budget row and are persisted
// with the mutation that caused the crossing, so repeated transactions above
// the same threshold stay silent and a drop below re-arms the alert.
// Evaluation and dispatch are separate phases: latches are computed before
// the mutation commits, the alerts go out only after it has.
type AlertEvaluator struct {
	notifier Notifier
	log      zerolog.Logger
}

// NewAlertEvaluator creates an AlertEvaluator.
func NewAlertEvaluator(notifier Notifier, log zerolog.Logger) *AlertEvaluator {
	return &AlertEvaluator{notifier: notifier, log: log}
}

// Evaluate updates the budget's alert latches from its current utilization
// and returns the alerts for thresholds crossed upward. Called before the
// mutation is persisted so the latches commit atomically with it; a failed
// commit discards the latch update along with the row, so the returned
// alerts must not be dispatched in that case.
func (e *AlertEvaluator) Evaluate(b *Budget) []Alert {
	if b.Allocated <= 0 {
		return nil
	}
	utilization := b.Utilization()

	var pending []Alert
	if b.CriticalThreshold > 0 {
		if utilization >= b.CriticalThreshold && !b.CriticalActive {
			b.CriticalActive = true
			pending = append(pending, Alert{AlertCritical, utilization, b.CriticalThreshold})
		} else if utilization < b.CriticalThreshold {
			b.CriticalActive = false
		}
	}

	if b.WarningThreshold > 0 {
		switch {
		case utilization >= b.WarningThreshold && !b.WarningActive:
			b.WarningActive = true
			// A jump straight past critical announces only the highest
			// newly-crossed threshold; warning fires unless critical already
			// covered this crossing in the same evaluation.
			if !b.CriticalActive || utilization < b.CriticalThreshold {
				pending = append(pending, Alert{AlertWarning, utilization, b.WarningThreshold})
			}
		case utilization < b.WarningThreshold:
			b.WarningActive = false
		}
	}
	return pending
}

// Dispatch announces alerts for a budget whose mutation has committed.
func (e *AlertEvaluator) Dispatch(ctx context.Context, b *Budget, alerts []Alert) {
	for _, a := range alerts {
		e.fire(ctx, b, a)
	}
}

func (e *AlertEvaluator) fire(ctx context.Context, b *Budget, a Alert) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, b.TenantID, a.Type, map[string]any{
			"budget_id":   b.ID,
			"budget_name": b.Name,
			"utilization": a.Utilization,
			"threshold":   a.Threshold,
			"allocated":   b.Allocated,
			"committed":   b.Committed,
			"spent":       b.Spent,
		})
	}
	e.log.Warn().
		Str("budget_id", b.ID).
		Str("alert", a.Type).
		Float64("utilization", a.Utilization).
		Float64("threshold", a.Threshold).
		Msg("Budget threshold crossed")
}
