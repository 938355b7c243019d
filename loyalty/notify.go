package loyalty

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// NOTIFICATION EVENTS
// =============================================================================

type EventKind string

const (
	EventAccrual      EventKind = "accrual"
	EventRedemption   EventKind = "redemption"
	EventMemberNumber EventKind = "member_number"
)

// Event is the plain data record emitted after a successful accrual,
// redemption, or member-number issuance. An external messaging subsystem
// (email, push) consumes these; the engine itself never sends messages.
type Event struct {
	AccountID            AccountID
	Kind                 EventKind
	Amount               Points
	NewBalance           Points
	NextExpirationAmount Points
	NextExpirationDate   time.Time // zero when no points are at risk
}

// Notifier receives events. Implementations must not block on delivery;
// failures are theirs to handle, the emitting operation has already
// committed.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the structured log. The default when no
// messaging subsystem is wired in.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("account", string(ev.AccountID)),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("amount", int64(ev.Amount)),
		zap.Int64("new_balance", int64(ev.NewBalance)),
	}
	if !ev.NextExpirationDate.IsZero() {
		fields = append(fields,
			zap.Int64("next_expiration_amount", int64(ev.NextExpirationAmount)),
			zap.String("next_expiration_date", ev.NextExpirationDate.Format("2006-01-02")),
		)
	}
	n.Log.Info("loyalty event", fields...)
}
