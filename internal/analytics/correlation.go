package analytics

import (
	"strings"

	"github.com/talya/search-analytics/internal/models"
)

// Reason explains why an event was not attributed to a search session.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNoSession   Reason = "no_session"
	ReasonNoLines     Reason = "no_lines"
	ReasonNoSearch    Reason = "session_not_searched"
	ReasonNotReturned Reason = "product_not_returned"
	ReasonBadProduct  Reason = "unrecognized_product_id"
	ReasonNotCarted   Reason = "product_not_in_cart"
)

const outcomeValid = "valid"

// Verdict is the result of an attribution check.
type Verdict struct {
	Valid  bool
	Reason Reason
}

func accept() Verdict         { return Verdict{Valid: true} }
func reject(r Reason) Verdict { return Verdict{Reason: r} }

func (v Verdict) outcome() string {
	if v.Valid {
		return outcomeValid
	}
	return string(v.Reason)
}

type set map[string]struct{}

func (s set) add(v string) { s[v] = struct{}{} }

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

// ===========================================
// SESSION INDEX
// ===========================================

// SessionIndex maps every searched session to the union of product ids its
// searches returned.
type SessionIndex struct {
	products      map[string]set
	productPrefix string
}

// NewSessionIndex indexes searches. Searches without a session are ignored.
func NewSessionIndex(searches []*models.SearchEvent, productPrefix string) *SessionIndex {
	idx := &SessionIndex{
		products:      make(map[string]set),
		productPrefix: productPrefix,
	}
	for _, se := range searches {
		if se.SessionID == "" {
			continue
		}
		products, ok := idx.products[se.SessionID]
		if !ok {
			products = make(set)
			idx.products[se.SessionID] = products
		}
		for _, id := range se.ProductIDs {
			products.add(id)
		}
	}
	return idx
}

// HasSearch reports whether the session ran at least one search.
func (idx *SessionIndex) HasSearch(sessionID string) bool {
	_, ok := idx.products[sessionID]
	return ok
}

// Returned reports whether any search of the session returned productID.
func (idx *SessionIndex) Returned(sessionID, productID string) bool {
	products, ok := idx.products[sessionID]
	return ok && products.has(productID)
}

// Sessions returns the ids of all searched sessions.
func (idx *SessionIndex) Sessions() set {
	out := make(set, len(idx.products))
	for id := range idx.products {
		out.add(id)
	}
	return out
}

// ValidateCart accepts an add-to-cart whose product was returned by a
// search in the same session.
func (idx *SessionIndex) ValidateCart(e *models.AddToCartEvent) Verdict {
	switch {
	case e.SessionID == "":
		return reject(ReasonNoSession)
	case !idx.HasSearch(e.SessionID):
		return reject(ReasonNoSearch)
	case !idx.Returned(e.SessionID, e.ProductID):
		return reject(ReasonNotReturned)
	}
	return accept()
}

// ValidateClick accepts a product click from any searched session as long
// as the product id has the storefront's shape. The clicked product does
// not need to be in the result set, so clicks on recommendations count.
func (idx *SessionIndex) ValidateClick(e *models.ProductClickEvent) Verdict {
	return idx.validateInteraction(e.SessionID, e.ProductID)
}

// ValidateBuyNow applies the click rule to buy-now clicks.
func (idx *SessionIndex) ValidateBuyNow(e *models.BuyNowClickEvent) Verdict {
	return idx.validateInteraction(e.SessionID, e.ProductID)
}

func (idx *SessionIndex) validateInteraction(sessionID, productID string) Verdict {
	switch {
	case sessionID == "":
		return reject(ReasonNoSession)
	case !idx.HasSearch(sessionID):
		return reject(ReasonNoSearch)
	case productID == "" || !strings.HasPrefix(productID, idx.productPrefix):
		return reject(ReasonBadProduct)
	}
	return accept()
}

// ===========================================
// CART INDEX
// ===========================================

// CartIndex maps each session to the products of its validated carts.
type CartIndex map[string]set

// NewCartIndex indexes validated add-to-cart events.
func NewCartIndex(valid []*models.AddToCartEvent) CartIndex {
	idx := make(CartIndex)
	for _, e := range valid {
		products, ok := idx[e.SessionID]
		if !ok {
			products = make(set)
			idx[e.SessionID] = products
		}
		products.add(e.ProductID)
	}
	return idx
}

// ===========================================
// PURCHASE ATTRIBUTION
// ===========================================

// Attribution is the attributable part of one order.
type Attribution struct {
	// ValidLines counts lines whose product was validly carted in the session.
	ValidLines int
	// Amounts are the revenue amounts to convert, one per priced valid line,
	// or a single proportional share when no valid line had a price.
	Amounts []float64
	// Fallback is set when Amounts holds the proportional share.
	Fallback bool
}

// Revenue sums the attributed amounts in the order's currency.
func (a Attribution) Revenue() float64 {
	var total float64
	for _, v := range a.Amounts {
		total += v
	}
	return total
}

// AttributePurchase counts the order lines whose product was added to the
// cart in the same session after being returned by a search there. Priced
// lines contribute price × quantity; if no valid line has a price, the
// order total is shared in proportion to valid lines.
func AttributePurchase(p *models.PurchaseEvent, carts CartIndex) (Attribution, Verdict) {
	var a Attribution
	if p.SessionID == "" {
		return a, reject(ReasonNoSession)
	}
	if p.Lines == nil {
		return a, reject(ReasonNoLines)
	}

	carted := carts[p.SessionID]
	hasPrices := false
	for _, line := range p.Lines {
		if !carted.has(line.ProductID) {
			continue
		}
		a.ValidLines++
		if total, ok := line.Total(); ok {
			hasPrices = true
			a.Amounts = append(a.Amounts, total)
		}
	}

	if a.ValidLines > 0 && !hasPrices && p.TotalAmount != nil {
		a.Fallback = true
		a.Amounts = []float64{*p.TotalAmount * float64(a.ValidLines) / float64(len(p.Lines))}
	}

	if a.ValidLines == 0 {
		return a, reject(ReasonNotCarted)
	}
	return a, accept()
}
