package models

import "strings"

// EventKind identifies one of the five behavioral event collections.
type EventKind string

const (
	KindSearch       EventKind = "search"
	KindAddToCart    EventKind = "add_to_cart"
	KindProductClick EventKind = "product_click"
	KindBuyNowClick  EventKind = "buy_now_click"
	KindPurchase     EventKind = "purchase"
)

// AllKinds lists every event kind in funnel order.
var AllKinds = []EventKind{KindSearch, KindProductClick, KindAddToCart, KindBuyNowClick, KindPurchase}

// Experiment groups attached to events by the storefront script.
const (
	GroupBaseline = 0 // platform search
	GroupVariant  = 1 // AI search
)

// ===========================================
// SEARCH EVENT
// ===========================================

type SearchEvent struct {
	ID          string `json:"id"`
	ShopID      string `json:"shopId"`
	SearchID    string `json:"searchId"`
	ClientID    string `json:"clientId,omitempty"`
	SessionID   string `json:"sessionId"`
	Query       string `json:"query"`
	TimestampMs int64  `json:"timestampMs"`

	// Products returned to the shopper, in result order.
	ProductIDs []string `json:"productIds"`

	// A/B bucket; nil for events recorded before experiments existed.
	SearchGroup *int `json:"searchGroup,omitempty"`
}

// WordCount returns the number of whitespace separated tokens in the query.
func (e *SearchEvent) WordCount() int {
	return len(strings.Fields(e.Query))
}

// ===========================================
// ADD-TO-CART EVENT
// ===========================================

type AddToCartEvent struct {
	ID          string `json:"id"`
	ShopID      string `json:"shopId"`
	ClientID    string `json:"clientId,omitempty"`
	SessionID   string `json:"sessionId"`
	ProductID   string `json:"productId"`
	SearchID    string `json:"searchId,omitempty"`
	TimestampMs int64  `json:"timestampMs"`

	Price    *float64 `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`

	SearchGroup *int `json:"searchGroup,omitempty"`
}

// ===========================================
// PRODUCT CLICK EVENT
// ===========================================

type ProductClickEvent struct {
	ID           string `json:"id"`
	ShopID       string `json:"shopId"`
	ClientID     string `json:"clientId,omitempty"`
	SessionID    string `json:"sessionId"`
	ProductID    string `json:"productId"`
	SearchID     string `json:"searchId,omitempty"`
	Query        string `json:"query,omitempty"`
	ProductTitle string `json:"productTitle,omitempty"`
	URL          string `json:"url,omitempty"`
	TimestampMs  int64  `json:"timestampMs"`

	SearchGroup *int `json:"searchGroup,omitempty"`
}

// ===========================================
// BUY-NOW CLICK EVENT
// ===========================================

type BuyNowClickEvent struct {
	ID          string `json:"id"`
	ShopID      string `json:"shopId"`
	ClientID    string `json:"clientId,omitempty"`
	SessionID   string `json:"sessionId"`
	ProductID   string `json:"productId"`
	TimestampMs int64  `json:"timestampMs"`

	Price    *float64 `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`

	SearchGroup *int `json:"searchGroup,omitempty"`
}

// ===========================================
// PURCHASE EVENT
// ===========================================

// PurchaseLine is one purchased product. Price and Quantity are nil when the
// order was reported in the legacy flat format.
type PurchaseLine struct {
	ProductID string   `json:"productId"`
	Name      string   `json:"name,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Quantity  *int     `json:"quantity,omitempty"`
}

// Total returns price × quantity, with a missing quantity counted as 1.
// The second value is false when the line carries no price.
func (l PurchaseLine) Total() (float64, bool) {
	if l.Price == nil {
		return 0, false
	}
	qty := 1
	if l.Quantity != nil {
		qty = *l.Quantity
	}
	return *l.Price * float64(qty), true
}

// PurchaseVariant distinguishes the two historical purchase payload shapes.
type PurchaseVariant int

const (
	// VariantLineItems carries a unit price per purchased line.
	VariantLineItems PurchaseVariant = iota
	// VariantFlatList carries product ids plus a single order total.
	VariantFlatList
)

type PurchaseEvent struct {
	ID          string         `json:"id"`
	ShopID      string         `json:"shopId"`
	ClientID    string         `json:"clientId,omitempty"`
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId,omitempty"`
	Lines       []PurchaseLine `json:"products"`
	TotalAmount *float64       `json:"totalAmount,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	OrderStatus string         `json:"orderStatus,omitempty"`
	TimestampMs int64          `json:"timestampMs"`

	SearchGroup *int `json:"searchGroup,omitempty"`
}

// NewFlatPurchaseLines converts a legacy product id list into price-less lines.
func NewFlatPurchaseLines(productIDs []string) []PurchaseLine {
	lines := make([]PurchaseLine, 0, len(productIDs))
	for _, id := range productIDs {
		lines = append(lines, PurchaseLine{ProductID: id})
	}
	return lines
}

// Variant reports VariantFlatList when no line carries a price.
func (p *PurchaseEvent) Variant() PurchaseVariant {
	for _, l := range p.Lines {
		if l.Price != nil {
			return VariantLineItems
		}
	}
	return VariantFlatList
}

// ProductIDs returns the product id of every line in order.
func (p *PurchaseEvent) ProductIDs() []string {
	ids := make([]string, 0, len(p.Lines))
	for _, l := range p.Lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

// IntPtr is a helper for optional group and quantity fields.
func IntPtr(v int) *int { return &v }

// Float64Ptr is a helper for optional price fields.
func Float64Ptr(v float64) *float64 { return &v }
