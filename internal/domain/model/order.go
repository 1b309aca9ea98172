package model

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
)

// OrderRequest sizes a market buy by QuoteAmount and everything else by Amount.
type OrderRequest struct {
	Symbol      string
	Type        OrderType
	Side        OrderSide
	Amount      float64
	QuoteAmount float64
	Price       float64
}

type Order struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Status    OrderStatus
	Filled    float64
	Remaining float64
	// Cost is the quote amount spent or received.
	Cost float64
}

type resultKind int

const (
	resultPlaced resultKind = iota + 1
	resultNoFill
)

// OrderResult is either a placed order or an explicit no-fill with its reason.
type OrderResult struct {
	kind   resultKind
	order  Order
	reason string
}

func Placed(o Order) OrderResult { return OrderResult{kind: resultPlaced, order: o} }

func NoFill(reason string) OrderResult { return OrderResult{kind: resultNoFill, reason: reason} }

func (r OrderResult) IsPlaced() bool { return r.kind == resultPlaced }

func (r OrderResult) IsNoFill() bool { return r.kind == resultNoFill }

// Order returns the placed order; ok is false for a no-fill.
func (r OrderResult) Order() (Order, bool) { return r.order, r.kind == resultPlaced }

func (r OrderResult) Reason() string { return r.reason }
