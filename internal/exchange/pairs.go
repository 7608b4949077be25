package exchange

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"trading-engine/internal/symbol"
	"trading-engine/pkg/exchanges/common"
)

// PairSets is the classification of configured pairs against what the
// exchange lists.
type PairSets struct {
	Traded []string
	// Existing also holds the listed pairs of disabled currencies.
	Existing []string
	Watched  []string
	// Additional pairs were added at runtime.
	Additional []string
	// Removed pairs were traded and removed at runtime.
	Removed []string
}

func modeAccepts(mode TradingMode, s symbol.Symbol) bool {
	switch mode {
	case ModeFutures:
		return s.IsFuture()
	case ModeOptions:
		return s.IsOption()
	}
	return true
}

// expandWildcard lists the exchange symbols quoted in quote that mode
// accepts.
func expandWildcard(meta common.Metadata, quote string, mode TradingMode) []string {
	var out []string
	for _, sym := range meta.Symbols() {
		s, err := symbol.Parse(sym)
		if err != nil || s.Quote != quote || !modeAccepts(mode, s) {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// ResolvePairs classifies the configured currencies. Unlisted pairs are
// logged and dropped; disabled currencies only contribute to Existing.
func ResolvePairs(currencies map[string]CryptoCurrency, watched []string, meta common.Metadata, mode TradingMode, logger *zap.Logger) PairSets {
	if logger == nil {
		logger = zap.NewNop()
	}
	traded := newOrderedSet()
	existing := newOrderedSet()
	names := make([]string, 0, len(currencies))
	for name := range currencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := currencies[name]
		var pairs []string
		for _, p := range cc.Pairs {
			if p != Wildcard {
				pairs = append(pairs, p)
				continue
			}
			if cc.Quote == "" {
				logger.Warn("wildcard pairs without quote, ignoring", zap.String("currency", name))
				continue
			}
			pairs = append(pairs, expandWildcard(meta, cc.Quote, mode)...)
		}
		pairs = append(pairs, cc.Add...)
		for _, p := range pairs {
			if !common.SymbolExists(meta, p) {
				logger.Warn("pair not listed on exchange, ignoring", zap.String("currency", name), zap.String("symbol", p))
				continue
			}
			existing.add(p)
			if cc.IsEnabled() {
				traded.add(p)
			}
		}
	}
	watch := newOrderedSet()
	for _, p := range watched {
		if !common.SymbolExists(meta, p) {
			logger.Warn("watched pair not listed on exchange, ignoring", zap.String("symbol", p))
			continue
		}
		if !traded.has(p) {
			watch.add(p)
		}
	}
	return PairSets{Traded: traded.list(), Existing: existing.list(), Watched: watch.list()}
}

type orderedSet struct {
	keys []string
	seen map[string]bool
}

func newOrderedSet(items ...string) *orderedSet {
	s := &orderedSet{seen: make(map[string]bool)}
	for _, it := range items {
		s.add(it)
	}
	return s
}

func (s *orderedSet) add(k string) {
	if !s.seen[k] {
		s.seen[k] = true
		s.keys = append(s.keys, k)
	}
}

func (s *orderedSet) remove(k string) {
	if !s.seen[k] {
		return
	}
	delete(s.seen, k)
	for i, v := range s.keys {
		if v == k {
			s.keys = append(s.keys[:i:i], s.keys[i+1:]...)
			return
		}
	}
}

func (s *orderedSet) has(k string) bool { return s.seen[k] }

func (s *orderedSet) list() []string { return append([]string(nil), s.keys...) }

// pairState is the live, mutable view of tracked pairs read by updaters.
type pairState struct {
	mu         sync.RWMutex
	traded     *orderedSet
	existing   *orderedSet
	watched    *orderedSet
	additional *orderedSet
	removed    *orderedSet
	timeFrames *orderedSet
}

func newPairState(sets PairSets, tfs []string) *pairState {
	return &pairState{
		traded:     newOrderedSet(sets.Traded...),
		existing:   newOrderedSet(sets.Existing...),
		watched:    newOrderedSet(sets.Watched...),
		additional: newOrderedSet(sets.Additional...),
		removed:    newOrderedSet(sets.Removed...),
		timeFrames: newOrderedSet(tfs...),
	}
}

// TradedSymbols lists every symbol data is fetched for: traded, additional
// and watched pairs.
func (p *pairState) TradedSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := newOrderedSet(p.traded.keys...)
	for _, k := range p.additional.keys {
		all.add(k)
	}
	for _, k := range p.watched.keys {
		all.add(k)
	}
	return all.keys
}

// TradablePairs lists the pairs orders may be placed on.
func (p *pairState) TradablePairs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := newOrderedSet(p.traded.keys...)
	for _, k := range p.additional.keys {
		all.add(k)
	}
	return all.keys
}

func (p *pairState) TimeFrames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeFrames.list()
}

func (p *pairState) sets() PairSets {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PairSets{
		Traded:     p.traded.list(),
		Existing:   p.existing.list(),
		Watched:    p.watched.list(),
		Additional: p.additional.list(),
		Removed:    p.removed.list(),
	}
}

func (p *pairState) tracked(sym string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return (p.traded.has(sym) || p.additional.has(sym) || p.watched.has(sym)) && !p.removed.has(sym)
}

// apply records a runtime change and returns the symbols that start and stop
// being fetched.
func (p *pairState) apply(added, removed, addedTFs []string, watchOnly bool) (started, stopped []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	isFetched := func(k string) bool {
		return p.traded.has(k) || p.additional.has(k) || p.watched.has(k)
	}
	for _, k := range added {
		was := isFetched(k)
		p.removed.remove(k)
		if watchOnly {
			if !p.traded.has(k) && !p.additional.has(k) {
				p.watched.add(k)
			}
		} else {
			p.watched.remove(k)
			if !p.traded.has(k) {
				p.additional.add(k)
			}
		}
		p.existing.add(k)
		if !was {
			started = append(started, k)
		}
	}
	for _, k := range removed {
		if !isFetched(k) {
			continue
		}
		if p.traded.has(k) {
			p.traded.remove(k)
			p.removed.add(k)
		}
		p.additional.remove(k)
		p.watched.remove(k)
		stopped = append(stopped, k)
	}
	for _, tf := range addedTFs {
		p.timeFrames.add(tf)
	}
	return started, stopped
}
