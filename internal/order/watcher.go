package order

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/market"
)

const markPriceBuffer = 32

// watch registers the trigger of a locally managed order and waits for it
// in the background. Registration happens before returning so that trades
// pushed right after Open are seen. Caller holds o.transitions.
func (l *Lifecycle) watch(o *Order) error {
	if l.cfg.Market == nil {
		return errs.New(errs.MissingPriceData, "no market data to trigger order %s", o.ID)
	}
	sd := l.cfg.Market.Get(o.Symbol)

	var marks <-chan decimal.Decimal
	unsubscribe := func() {}
	registeredAt := o.CreationTime
	if o.Kind.IsTrailing() {
		marks, unsubscribe = sd.Prices.Subscribe(markPriceBuffer)
		if !o.StopPrice().IsPositive() {
			reference := o.OriginPrice()
			if mark, _, ok := sd.Prices.MarkPrice(); ok {
				reference = mark
			}
			if next, ok := o.nextTrailingTrigger(reference); ok {
				_ = o.SetStopPrice(next)
			}
		}
		registeredAt = l.clock.Now()
	}
	trigger := o.TriggerPrice()
	if !trigger.IsPositive() {
		unsubscribe()
		return errs.New(errs.OrderCreation, "order %s has no trigger price", o.ID)
	}
	ev := sd.PriceEvents.NewEvent(trigger, registeredAt, o.TriggerAbove())

	ctx, cancel := context.WithCancel(l.ctx)
	o.setWatch(cancel)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer unsubscribe()
		l.awaitTrigger(ctx, o, sd, ev, marks)
	}()
	return nil
}

func (l *Lifecycle) awaitTrigger(ctx context.Context, o *Order, sd *market.SymbolData, ev *market.PriceEvent, marks <-chan decimal.Decimal) {
	for triggered := false; !triggered; {
		select {
		case <-ctx.Done():
			sd.PriceEvents.Remove(ev)
			return
		case <-ev.Done():
			triggered = true
		case mark, ok := <-marks:
			if !ok {
				marks = nil
				continue
			}
			next, moved := o.nextTrailingTrigger(mark)
			if !moved {
				continue
			}
			// register the new trigger before publishing it on the order
			moving := sd.PriceEvents.NewEvent(next, l.clock.Now(), o.TriggerAbove())
			if err := o.SetStopPrice(next); err != nil {
				sd.PriceEvents.Remove(moving)
				return
			}
			sd.PriceEvents.Remove(ev)
			ev = moving
			l.logger.Debug("trailing trigger moved", append(orderFields(o), zap.String("trigger", next.String()))...)
		}
	}

	price := ev.Target
	if o.Kind.IsLimit() {
		price = o.OriginPrice()
	}
	if o.Kind.HasLimitLeg() && o.OriginPrice().IsPositive() {
		limit := o.OriginPrice()
		hit, at := ev.Hit()
		crossed := (o.Side == Sell && hit.GreaterThanOrEqual(limit)) || (o.Side == Buy && hit.LessThanOrEqual(limit))
		if !crossed {
			leg := sd.PriceEvents.NewEvent(limit, at, o.Side == Sell)
			select {
			case <-ctx.Done():
				sd.PriceEvents.Remove(leg)
				return
			case <-leg.Done():
			}
		}
		price = limit
	}
	if err := l.Fill(l.ctx, o, price, decimal.Zero); err != nil {
		l.logger.Error("locally triggered fill", append(orderFields(o), zap.Error(err))...)
	}
}
