package exchange

import (
	"context"
	"time"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/symbol"
	"trading-engine/internal/updater"
	"trading-engine/pkg/clock"
)

type producers struct {
	candles      *channel.Producer[updater.CandlesUpdate]
	kline        *channel.Producer[updater.KlineUpdate]
	book         *channel.Producer[updater.OrderBookUpdate]
	ticker       *channel.Producer[updater.TickerUpdate]
	trades       *channel.Producer[updater.RecentTradesUpdate]
	markPrice    *channel.Producer[updater.MarkPriceUpdate]
	funding      *channel.Producer[updater.FundingUpdate]
	balance      *channel.Producer[updater.BalanceUpdate]
	orders       *channel.Producer[updater.OrdersUpdate]
	positions    *channel.Producer[updater.PositionsUpdate]
	orderUpdates *channel.Producer[OrderUpdate]
	tradeUpdates *channel.Producer[order.Trade]
}

// newChannel creates and registers a channel of the manager. Backtest
// channels are synchronized.
func newChannel[T any](m *Manager, name string, opts ...channel.Option) (*channel.Channel[T], error) {
	opts = append(opts, channel.WithLogger(m.logger))
	if m.IsBacktesting() {
		opts = append(opts, channel.Synchronized())
	}
	ch := channel.New[T](name, opts...)
	if err := m.rt.Registry.SetChan(m.id, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// consumerOptions marks consumers as internal, and supervised in backtests
// so that every tick is fully handled before the next one.
func (m *Manager) consumerOptions(name string) []channel.ConsumerOption {
	opts := []channel.ConsumerOption{channel.WithName(name), channel.Internal()}
	if m.IsBacktesting() {
		opts = append(opts, channel.Supervised())
	}
	return opts
}

func (m *Manager) updaterConfig(interval time.Duration) updater.Config {
	return updater.Config{
		Interval: interval,
		MinDelay: m.adaptor.GetRateLimit(),
		Clock:    m.clock,
		Logger:   m.logger,
	}
}

// attach schedules u on its own timer, or on the time channel in backtests.
func (m *Manager) attach(ch interface{ AddProducer(channel.Runner) }, u *updater.Updater) {
	var r channel.Runner = u
	if m.ticks != nil {
		r = updater.NewSimulated(u, m.ticks, m.logger)
	}
	ch.AddProducer(r)
	m.runners = append(m.runners, r)
}

// streamed reports whether the configured stream feeds name.
func (m *Manager) streamed(name string) bool {
	return m.cfg.Stream != nil && !m.IsBacktesting() && m.cfg.Stream.Covers(name)
}

func (m *Manager) backtestRange() (time.Time, time.Time, error) {
	start, end := m.cfg.Backtesting.Start, m.cfg.Backtesting.End
	if hr, ok := m.adaptor.(historyRange); ok && (start.IsZero() || end.IsZero()) {
		if from, to, ok := hr.TimeRange(); ok {
			if start.IsZero() {
				start = from
			}
			if end.IsZero() {
				end = to
			}
		}
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return start, end, errs.New(errs.InvalidArgument, "invalid backtest range [%s, %s]", start, end)
	}
	return start, end, nil
}

func (m *Manager) buildChannels() error {
	if m.IsBacktesting() {
		if err := m.buildTimeChannel(); err != nil {
			return err
		}
	}
	if err := m.buildMarketChannels(); err != nil {
		return err
	}
	if m.enabled && !m.simulated {
		if err := m.buildAccountChannels(); err != nil {
			return err
		}
	}
	orderUpdates, err := newChannel[OrderUpdate](m, updater.ChannelOrderUpdates)
	if err != nil {
		return err
	}
	m.orderUpdates = orderUpdates
	m.producers.orderUpdates = orderUpdates.NewProducer(nil)
	tradeUpdates, err := newChannel[order.Trade](m, updater.ChannelTradeUpdates)
	if err != nil {
		return err
	}
	m.tradeUpdates = tradeUpdates
	m.producers.tradeUpdates = tradeUpdates.NewProducer(nil)
	return nil
}

func (m *Manager) buildTimeChannel() error {
	start, end, err := m.backtestRange()
	if err != nil {
		return err
	}
	ticks, err := newChannel[updater.TimeTick](m, updater.ChannelTime)
	if err != nil {
		return err
	}
	m.ticks = ticks
	var tfs []symbol.TimeFrame
	for _, raw := range m.pairs.TimeFrames() {
		if tf, err := symbol.ParseTimeFrame(raw); err == nil {
			tfs = append(tfs, tf)
		}
	}
	step := updater.FinestStep(tfs)
	// the first tick is the close of the first candle
	m.timeProducer = updater.NewTimeProducer(m.clock.(*clock.Simulated), ticks, start.Add(step), end, step, m.logger)
	ticks.AddProducer(m.timeProducer)
	ticks.NewConsumer(func(ctx context.Context, _ channel.Key, _ updater.TimeTick) error {
		m.trader.EvaluateCancelPolicies(ctx)
		return nil
	}, m.consumerOptions("cancel_policies")...)
	return nil
}

func (m *Manager) buildMarketChannels() error {
	iv := m.cfg.Intervals

	candles, err := newChannel[updater.CandlesUpdate](m, updater.ChannelOHLCV, channel.WithModifier(m.eventModifier(events.TopicCandles, true)))
	if err != nil {
		return err
	}
	m.producers.candles = candles.NewProducer(nil)
	ohlcv := updater.NewOHLCV(m.adaptor, m.pairs, m.producers.candles, m.updaterConfig(iv.OHLCV))
	if m.streamed(updater.ChannelOHLCV) {
		m.history = ohlcv
	} else {
		m.attach(candles, ohlcv)
	}
	candles.NewConsumer(m.onCandles, m.consumerOptions("candles")...)

	kline, err := newChannel[updater.KlineUpdate](m, updater.ChannelKline, channel.WithModifier(m.eventModifier(events.TopicKline, true)))
	if err != nil {
		return err
	}
	m.producers.kline = kline.NewProducer(nil)
	if !m.streamed(updater.ChannelKline) {
		m.attach(kline, updater.NewKline(m.adaptor, m.pairs, m.producers.kline, m.updaterConfig(iv.Kline)))
	}
	kline.NewConsumer(m.onKline, m.consumerOptions("kline")...)

	book, err := newChannel[updater.OrderBookUpdate](m, updater.ChannelOrderBook, channel.WithModifier(m.eventModifier(events.TopicOrderBook, false)))
	if err != nil {
		return err
	}
	m.producers.book = book.NewProducer(nil)
	m.attach(book, updater.NewOrderBook(m.adaptor, m.pairs, m.producers.book, m.updaterConfig(iv.OrderBook)))
	book.NewConsumer(m.onOrderBook, m.consumerOptions("order_book")...)

	ticker, err := newChannel[updater.TickerUpdate](m, updater.ChannelTicker, channel.WithModifier(m.eventModifier(events.TopicTicker, false)))
	if err != nil {
		return err
	}
	m.producers.ticker = ticker.NewProducer(nil)
	m.attach(ticker, updater.NewTicker(m.adaptor, m.pairs, m.producers.ticker, m.updaterConfig(iv.Ticker)))
	ticker.NewConsumer(m.onTicker, m.consumerOptions("ticker")...)

	trades, err := newChannel[updater.RecentTradesUpdate](m, updater.ChannelRecentTrades, channel.WithModifier(m.eventModifier(events.TopicTrades, false)))
	if err != nil {
		return err
	}
	m.producers.trades = trades.NewProducer(nil)
	if !m.streamed(updater.ChannelRecentTrades) {
		m.attach(trades, updater.NewRecentTrades(m.adaptor, m.pairs, m.producers.trades, m.updaterConfig(iv.RecentTrades)))
	}
	trades.NewConsumer(m.onRecentTrades, m.consumerOptions("recent_trades")...)

	// mark prices are pushed by exchange specific feeds only
	markPrice, err := newChannel[updater.MarkPriceUpdate](m, updater.ChannelMarkPrice, channel.WithModifier(m.eventModifier(events.TopicPrice, false)))
	if err != nil {
		return err
	}
	m.producers.markPrice = markPrice.NewProducer(nil)
	markPrice.NewConsumer(m.onMarkPrice, m.consumerOptions("mark_price")...)

	funding, err := newChannel[updater.FundingUpdate](m, updater.ChannelFunding, channel.WithModifier(m.eventModifier(events.TopicFunding, false)))
	if err != nil {
		return err
	}
	m.producers.funding = funding.NewProducer(nil)
	m.attach(funding, updater.NewFunding(m.adaptor, m.pairs, m.producers.funding, m.updaterConfig(iv.Funding)))
	funding.NewConsumer(m.onFunding, m.consumerOptions("funding")...)

	if m.ticks == nil && m.enabled {
		m.policyJob = updater.NewJob("cancel_policies", iv.CancelPolicy, 0, func(ctx context.Context) error {
			m.trader.EvaluateCancelPolicies(ctx)
			return nil
		}, m.logger)
	}
	return nil
}

func (m *Manager) buildAccountChannels() error {
	iv := m.cfg.Intervals

	balance, err := newChannel[updater.BalanceUpdate](m, updater.ChannelBalance)
	if err != nil {
		return err
	}
	m.producers.balance = balance.NewProducer(nil)
	m.attach(balance, updater.NewBalance(m.adaptor, m.producers.balance, m.updaterConfig(iv.Balance)))
	balance.NewConsumer(m.onBalance, m.consumerOptions("balance")...)
	m.rt.Events.CreateEventAtPath(events.Path(m.id, events.TopicBalance), true)

	orders, err := newChannel[updater.OrdersUpdate](m, updater.ChannelOrders)
	if err != nil {
		return err
	}
	m.producers.orders = orders.NewProducer(nil)
	m.attach(orders, updater.NewOrders(m.adaptor, m.producers.orders, m.updaterConfig(iv.Orders)))
	orders.NewConsumer(m.onOrders, m.consumerOptions("orders")...)
	m.rt.Events.CreateEventAtPath(events.Path(m.id, events.TopicOrders), true)

	if m.cfg.Mode == ModeSpot {
		return nil
	}
	positions, err := newChannel[updater.PositionsUpdate](m, updater.ChannelPositions)
	if err != nil {
		return err
	}
	m.producers.positions = positions.NewProducer(nil)
	m.attach(positions, updater.NewPositions(m.adaptor, m.producers.positions, m.updaterConfig(iv.Positions)))
	positions.NewConsumer(m.onPositions, m.consumerOptions("positions")...)
	m.rt.Events.CreateEventAtPath(events.Path(m.id, events.TopicPositions), true)
	return nil
}
