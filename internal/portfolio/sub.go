package portfolio

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
)

// SubPortfolio is a named share of a parent portfolio, typically the budget
// of one strategy.
type SubPortfolio struct {
	Name   string
	Ratio  decimal.Decimal
	parent *Manager
}

// Asset returns the share of the parent balance of cur.
func (s *SubPortfolio) Asset(cur string) Asset {
	a := s.parent.Asset(cur)
	return Asset{Available: a.Available.Mul(s.Ratio), Total: a.Total.Mul(s.Ratio)}
}

// Snapshot returns the share of every parent balance.
func (s *SubPortfolio) Snapshot() map[string]Asset {
	out := make(map[string]Asset)
	for cur, a := range s.parent.Snapshot() {
		out[cur] = Asset{Available: a.Available.Mul(s.Ratio), Total: a.Total.Mul(s.Ratio)}
	}
	return out
}

// SubPortfolios splits a portfolio into named shares whose ratios sum to at
// most one.
type SubPortfolios struct {
	parent *Manager

	mu   sync.RWMutex
	subs map[string]*SubPortfolio
}

// NewSubPortfolios returns an empty split of parent.
func NewSubPortfolios(parent *Manager) *SubPortfolios {
	return &SubPortfolios{parent: parent, subs: make(map[string]*SubPortfolio)}
}

// Set creates or updates the share named name.
func (s *SubPortfolios) Set(name string, ratio decimal.Decimal) (*SubPortfolio, error) {
	if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errs.New(errs.InvalidArgument, "sub-portfolio ratio %s out of (0, 1]", ratio)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := ratio
	for n, sub := range s.subs {
		if n != name {
			sum = sum.Add(sub.Ratio)
		}
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errs.New(errs.PortfolioOperation, "sub-portfolio ratios would sum to %s", sum)
	}
	sub := &SubPortfolio{Name: name, Ratio: ratio, parent: s.parent}
	s.subs[name] = sub
	return sub, nil
}

// Get returns the share named name.
func (s *SubPortfolios) Get(name string) (*SubPortfolio, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[name]
	return sub, ok
}

// Names lists shares in name order.
func (s *SubPortfolios) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for n := range s.subs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Remove drops the share named name.
func (s *SubPortfolios) Remove(name string) {
	s.mu.Lock()
	delete(s.subs, name)
	s.mu.Unlock()
}
