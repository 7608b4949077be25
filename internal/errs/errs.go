// Package errs holds the error kinds the engine uses to decide how a failure
// propagates: retried by updaters, surfaced to the submitter, or treated as a
// programmer error.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error. Kinds form a tree: a kind matches itself and
// every ancestor with errors.Is.
type Kind struct {
	name   string
	parent *Kind
}

func newKind(name string, parent *Kind) *Kind {
	return &Kind{name: name, parent: parent}
}

func (k *Kind) Error() string { return k.name }

// Is reports whether target is k or one of its ancestors.
func (k *Kind) Is(target error) bool {
	t, ok := target.(*Kind)
	if !ok {
		return false
	}
	for cur := k; cur != nil; cur = cur.parent {
		if cur == t {
			return true
		}
	}
	return false
}

// Parent returns the enclosing kind or nil for a root kind.
func (k *Kind) Parent() *Kind { return k.parent }

var (
	// Exchange boundary, retriable.
	Retriable                   = newKind("retriable exchange error", nil)
	RetriableFailedRequest      = newKind("retriable failed request", Retriable)
	Network                     = newKind("network error", Retriable)
	FailedMarketStatusRequest   = newKind("failed market status request", Retriable)
	RetriableExchangeProxyError = newKind("retriable exchange proxy error", Retriable)

	// Exchange boundary, non-retriable.
	Exchange                      = newKind("exchange error", nil)
	FailedRequest                 = newKind("failed request", Exchange)
	Authentication                = newKind("authentication error", Exchange)
	InvalidAPIKeyIPWhitelist      = newKind("invalid api key ip whitelist", Exchange)
	RateLimitExceeded             = newKind("rate limit exceeded", Exchange)
	ExchangeCompliancy            = newKind("exchange compliancy error", Exchange)
	NotSupported                  = newKind("not supported", Exchange)
	UnsupportedSymbol             = newKind("unsupported symbol", Exchange)
	Timeout                       = newKind("timeout", nil)
	InvalidArgument               = newKind("invalid argument", nil)
	DuplicateTransaction          = newKind("duplicate transaction", nil)
	UnknownExchange               = newKind("unknown exchange", nil)
	DuplicateChannel              = newKind("duplicate channel", nil)
	ChannelNotFound               = newKind("channel not found", nil)
	ExchangeManagerNotInitialized = newKind("exchange manager not initialized", nil)

	// Order submission.
	OrderCreation                = newKind("order creation error", nil)
	UnsupportedOrderType         = newKind("unsupported order type", OrderCreation)
	UntradableSymbol             = newKind("untradable symbol", OrderCreation)
	MaxOpenOrderReachedForSymbol = newKind("max open order reached for symbol", OrderCreation)
	MarketClosed                 = newKind("market closed", OrderCreation)

	// Order edit and cancel.
	OrderEdit             = newKind("order edit error", nil)
	OrderCancel           = newKind("order cancel error", nil)
	ExchangeOrderCancel   = newKind("exchange order cancel error", OrderCancel)
	OrderNotFoundOnCancel = newKind("order not found on cancel", OrderCancel)

	// Unexpected exchange side order states.
	UnexpectedExchangeSideOrderState = newKind("unexpected exchange side order state", nil)
	OpenOrder                        = newKind("unexpected open order", UnexpectedExchangeSideOrderState)
	FilledOrder                      = newKind("unexpected filled order", UnexpectedExchangeSideOrderState)
	CancellingOrder                  = newKind("unexpected cancelling order", UnexpectedExchangeSideOrderState)
	ClosedOrder                      = newKind("unexpected closed order", UnexpectedExchangeSideOrderState)

	// Funds.
	MissingFunds                      = newKind("missing funds", nil)
	MissingMinimalExchangeTradeVolume = newKind("missing minimal exchange trade volume", nil)

	// Portfolio integrity.
	PortfolioOperation     = newKind("portfolio operation error", nil)
	PortfolioNegativeValue = newKind("portfolio negative value", PortfolioOperation)

	// Contracts and positions.
	InvalidLeverageValue             = newKind("invalid leverage value", nil)
	InvalidPositionSide              = newKind("invalid position side", nil)
	InvalidPosition                  = newKind("invalid position", nil)
	UnhandledContract                = newKind("unhandled contract", nil)
	UnsupportedContractConfiguration = newKind("unsupported contract configuration", nil)
	TooManyOpenPositions             = newKind("too many open positions", nil)
	LiquidationPriceReached          = newKind("liquidation price reached", nil)

	// Internal programmer errors.
	InvalidOrderState     = newKind("invalid order state", nil)
	ConflictingOrders     = newKind("conflicting orders", nil)
	ConflictingOrderGroup = newKind("conflicting order group", nil)
	InvalidCancelPolicy   = newKind("invalid cancel policy", nil)

	// Price data.
	MissingPriceData = newKind("missing price data", nil)
	PendingPriceData = newKind("pending price data", nil)
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind  *Kind
	Msg   string
	Cause error
}

// New returns an error of the given kind.
func New(kind *Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind *Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.name
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) *Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k *Kind
	if errors.As(err, &k) {
		return k
	}
	return nil
}

// IsRetriable reports whether the failure is worth retrying on the next tick.
func IsRetriable(err error) bool {
	return errors.Is(err, Retriable)
}

// IsNotSupported reports whether the exchange does not implement the call.
func IsNotSupported(err error) bool {
	return errors.Is(err, NotSupported)
}
