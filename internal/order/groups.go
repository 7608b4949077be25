package order

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GroupKind names an order group behaviour.
type GroupKind string

const (
	GroupOCO      GroupKind = "one_cancels_the_other"
	GroupBalanced GroupKind = "balanced_take_profit_and_stop_loss"
)

// GroupActions are the order operations a group may trigger on its members.
type GroupActions interface {
	Cancel(ctx context.Context, o *Order) error
	Resize(ctx context.Context, o *Order, quantity decimal.Decimal) error
	MinAmount(symbol string) decimal.Decimal
}

// Group coordinates orders sharing a name.
type Group interface {
	Name() string
	Kind() GroupKind
	// AllowFill is consulted before a member fills. A false result means
	// the member must be cancelled instead.
	AllowFill(o *Order) bool
	// OnFill runs after member filled, fully or partially.
	OnFill(ctx context.Context, filled *Order, members []*Order, act GroupActions) error
	// OnCancel runs after member was cancelled.
	OnCancel(ctx context.Context, cancelled *Order, members []*Order, act GroupActions) error
}

// NewGroup builds a group of kind.
func NewGroup(kind GroupKind, name string, logger *zap.Logger) (Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case GroupOCO:
		return &OCOGroup{name: name}, nil
	case GroupBalanced:
		return &BalancedGroup{name: name, initial: make(map[string]decimal.Decimal), logger: logger}, nil
	}
	return nil, errUnknownGroup(kind)
}

// OCOGroup lets at most one member fill. Once one fills every other member
// is cancelled.
type OCOGroup struct {
	name string

	mu     sync.Mutex
	filled string
}

func (g *OCOGroup) Name() string    { return g.name }
func (g *OCOGroup) Kind() GroupKind { return GroupOCO }

func (g *OCOGroup) AllowFill(o *Order) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filled != "" && g.filled != o.ID {
		return false
	}
	g.filled = o.ID
	return true
}

// Winner returns the id of the member allowed to fill.
func (g *OCOGroup) Winner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filled
}

func (g *OCOGroup) OnFill(ctx context.Context, filled *Order, members []*Order, act GroupActions) error {
	var firstErr error
	for _, m := range members {
		if m.ID == filled.ID || m.IsClosed() {
			continue
		}
		if err := act.Cancel(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *OCOGroup) OnCancel(context.Context, *Order, []*Order, GroupActions) error { return nil }

// BalancedGroup keeps take profit and stop loss sides covering the same
// quantity. Filling part of one side shrinks the other side by the same
// fraction.
type BalancedGroup struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	initial map[string]decimal.Decimal
}

func (g *BalancedGroup) Name() string          { return g.name }
func (g *BalancedGroup) Kind() GroupKind       { return GroupBalanced }
func (g *BalancedGroup) AllowFill(*Order) bool { return true }

func isTakeProfitSide(o *Order) bool { return o.Kind.IsTakeProfit() || o.Kind.IsLimit() }

// initialQuantity remembers the first seen quantity of each member so that
// repeated partial fills are not compounded.
func (g *BalancedGroup) initialQuantity(o *Order) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.initial[o.ID]
	if !ok {
		q = o.OriginQuantity()
		g.initial[o.ID] = q
	}
	return q
}

// Track records member quantities before any fill happens.
func (g *BalancedGroup) Track(members ...*Order) {
	for _, m := range members {
		g.initialQuantity(m)
	}
}

func (g *BalancedGroup) OnFill(ctx context.Context, filled *Order, members []*Order, act GroupActions) error {
	g.Track(members...)
	origin := g.initialQuantity(filled)
	if !origin.IsPositive() {
		return nil
	}
	fraction := filled.FilledQuantity().Div(origin)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	filledTP := isTakeProfitSide(filled)
	var firstErr error
	for _, m := range members {
		if m.ID == filled.ID || m.IsClosed() || isTakeProfitSide(m) == filledTP {
			continue
		}
		remaining := g.initialQuantity(m).Mul(decimal.NewFromInt(1).Sub(fraction))
		var err error
		if !remaining.IsPositive() || remaining.LessThan(act.MinAmount(m.Symbol)) {
			err = act.Cancel(ctx, m)
		} else if !remaining.Equal(m.OriginQuantity()) {
			err = act.Resize(ctx, m, remaining)
		}
		if err != nil {
			g.logger.Warn("balance group member",
				zap.String("group", g.name), zap.String("order_id", m.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (g *BalancedGroup) OnCancel(context.Context, *Order, []*Order, GroupActions) error { return nil }
