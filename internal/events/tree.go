package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"trading-engine/internal/errs"
)

// Initialization topics observers can wait on.
const (
	TopicCandles   = "candles"
	TopicKline     = "kline"
	TopicPrice     = "price"
	TopicTrades    = "trades"
	TopicOrderBook = "order_book"
	TopicTicker    = "ticker"
	TopicFunding   = "funding"
	TopicBalance   = "balance"
	TopicOrders    = "orders"
	TopicPositions = "positions"
	TopicContracts = "contracts"
)

// Path builds a tree path, dropping empty trailing elements so that
// Path("binance", TopicBalance, "", "") == Path("binance", TopicBalance).
func Path(elems ...string) []string {
	end := len(elems)
	for end > 0 && elems[end-1] == "" {
		end--
	}
	return elems[:end]
}

type node struct {
	event    *Event
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Tree is the process-wide registry of initialization events, addressed by
// [exchange, topic, symbol, time frame] paths.
type Tree struct {
	mu   sync.Mutex
	root *node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// CreateEventAtPath returns the event stored at path, creating it and any
// intermediate node. When allowCreation is false a missing event yields nil.
func (t *Tree) CreateEventAtPath(path []string, allowCreation bool) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, key := range path {
		child, ok := n.children[key]
		if !ok {
			if !allowCreation {
				return nil
			}
			child = newNode()
			n.children[key] = child
		}
		n = child
	}
	if n.event == nil {
		if !allowCreation {
			return nil
		}
		n.event = NewEvent()
	}
	return n.event
}

// Event returns the event at path when it exists.
func (t *Tree) Event(path []string) (*Event, bool) {
	ev := t.CreateEventAtPath(path, false)
	return ev, ev != nil
}

// WaitForEvent waits for the event at path, creating it when missing. A
// non-positive timeout waits until ctx is done.
func (t *Tree) WaitForEvent(ctx context.Context, path []string, timeout time.Duration) error {
	ev := t.CreateEventAtPath(path, true)
	if timeout <= 0 {
		return ev.Wait(ctx)
	}
	err := ev.WaitTimeout(ctx, timeout)
	if errors.Is(err, errs.Timeout) {
		return errs.New(errs.Timeout, "%s not ready after %s", strings.Join(path, "/"), timeout)
	}
	return err
}

// Delete drops the subtree rooted at path.
func (t *Tree) Delete(path []string) {
	if len(path) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, key := range path[:len(path)-1] {
		child, ok := n.children[key]
		if !ok {
			return
		}
		n = child
	}
	delete(n.children, path[len(path)-1])
}

// Children lists the direct child keys under path.
func (t *Tree) Children(path []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, key := range path {
		child, ok := n.children[key]
		if !ok {
			return nil
		}
		n = child
	}
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	return out
}
