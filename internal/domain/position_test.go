package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var timeZero = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func TestPositionPnLAt(t *testing.T) {
	long := &Position{Side: PositionLong, Quantity: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(100), Status: PositionStatusOpen}
	if got := long.PnLAt(decimal.NewFromInt(110), decimal.NewFromInt(4)); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("long pnl: got %s want 40", got)
	}

	short := &Position{Side: PositionShort, Quantity: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(100), Status: PositionStatusOpen}
	if got := short.PnLAt(decimal.NewFromInt(110), decimal.NewFromInt(4)); !got.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("short pnl: got %s want -40", got)
	}

	long.Mark(decimal.NewFromInt(95))
	if !long.UnrealizedPnL.Equal(decimal.NewFromInt(-50)) || !long.MarkPrice.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("mark: unrealized=%s mark=%s", long.UnrealizedPnL, long.MarkPrice)
	}
	if !long.Notional().Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("notional: %s", long.Notional())
	}
}

func TestPositionReducedBy(t *testing.T) {
	long := &Position{Side: PositionLong, Status: PositionStatusOpen}
	if !long.IsReducedBy(SideSell) || long.IsReducedBy(SideBuy) {
		t.Fatalf("long reduced only by sell")
	}
	if PositionLong.ClosingSide() != SideSell || PositionShort.ClosingSide() != SideBuy {
		t.Fatalf("closing side mismatch")
	}
	closed := &Position{Side: PositionLong, Status: PositionStatusClosed}
	if closed.IsReducedBy(SideSell) {
		t.Fatalf("closed position cannot be reduced")
	}
}

func TestTriggerOrigin(t *testing.T) {
	if TriggerStopLoss.Origin() != OriginStopLoss || TriggerTakeProfit.Origin() != OriginTakeProfit {
		t.Fatalf("origin mapping")
	}
	if (TriggerDecision{Trigger: TriggerNone}).Fired() || (TriggerDecision{}).Fired() {
		t.Fatalf("none should not fire")
	}
}

func TestErrorKinds(t *testing.T) {
	rl := &RiskLimitError{Rule: RuleMaxOpenPositions, Current: decimal.NewFromInt(3), Limit: decimal.NewFromInt(3)}
	if !errors.Is(rl, ErrRiskLimitExceeded) || KindOf(rl) != KindRiskLimitExceeded {
		t.Fatalf("risk limit error kind")
	}
	info := NewErrorInfo(rl)
	if info.Rule != RuleMaxOpenPositions || !info.Current.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("error info: %+v", info)
	}

	wrapped := NewBrokerTimeout("submit", errors.New("deadline"))
	if !errors.Is(wrapped, ErrBrokerTimeout) || errors.Is(wrapped, ErrBrokerError) {
		t.Fatalf("broker timeout matching")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("unknown errors are internal")
	}

	res := NewResult[*Order](nil, wrapped, timeZero)
	if res.Success || res.Error == nil || res.Error.Kind != KindBrokerTimeout {
		t.Fatalf("result envelope: %+v", res)
	}
	if res.Metadata.Timestamp.IsZero() || res.Metadata.Duration <= 0 {
		t.Fatalf("metadata should be populated on failure: %+v", res.Metadata)
	}
}
