package models

// DefaultCurrency is reported when no valid cart event carries a currency.
const DefaultCurrency = "NIS"

// Summary is the dashboard aggregate for one shop and time window.
type Summary struct {
	SearchGroup *int `json:"searchGroup,omitempty"`

	// Volume metrics
	TotalSearches      int64   `json:"totalSearches"`
	TotalAddToCart     int64   `json:"totalAddToCart"`
	TotalPurchases     int64   `json:"totalPurchases"`
	TotalProductClicks int64   `json:"totalProductClicks"`
	TotalBuyNowClicks  int64   `json:"totalBuyNowClicks"`
	TotalRevenue       float64 `json:"totalRevenue"`

	// Rate metrics (%), rounded to one decimal
	ConversionRate   float64 `json:"conversionRate"`
	ClickThroughRate float64 `json:"clickThroughRate"`
	AddToCartRate    float64 `json:"addToCartRate"`

	// Session metrics
	SessionsWithSearches   int64 `json:"sessionsWithSearches"`
	SessionsWithClicks     int64 `json:"sessionsWithClicks"`
	SessionsWithAddToCarts int64 `json:"sessionsWithAddToCarts"`
	SessionsWithPurchases  int64 `json:"sessionsWithPurchases"`

	// Query complexity
	AverageWordsPerQuery float64 `json:"averageWordsPerQuery"`
	LongQueryCount       int64   `json:"longQueryCount"`
	LongQueryPercentage  float64 `json:"longQueryPercentage"`

	TimeSeries []TimePoint `json:"timeSeries"`
	TopQueries []TopQuery  `json:"topQueries"`

	// Period-over-period changes (%)
	SearchesChangePercent         float64 `json:"searchesChangePercent"`
	AddToCartChangePercent        float64 `json:"addToCartChangePercent"`
	PurchasesChangePercent        float64 `json:"purchasesChangePercent"`
	ProductClicksChangePercent    float64 `json:"productClicksChangePercent"`
	BuyNowClicksChangePercent     float64 `json:"buyNowClicksChangePercent"`
	RevenueChangePercent          float64 `json:"revenueChangePercent"`
	ConversionRateChangePercent   float64 `json:"conversionRateChangePercent"`
	ClickThroughRateChangePercent float64 `json:"clickThroughRateChangePercent"`
	AddToCartRateChangePercent    float64 `json:"addToCartRateChangePercent"`

	// Cart and purchase value
	TotalAddToCartAmount         float64            `json:"totalAddToCartAmount"`
	PrevAddToCartAmount          float64            `json:"prevAddToCartAmount"`
	AddToCartAmountChangePercent float64            `json:"addToCartAmountChangePercent"`
	Currency                     string             `json:"currency"`
	TotalPurchaseValueEUR        float64            `json:"totalPurchaseValueEur"`
	PurchaseValueChangePercent   float64            `json:"purchaseValueChangePercent"`
	ConversionRatesUsed          map[string]float64 `json:"conversionRatesUsed"`
}

// TimePoint is one UTC calendar day of the dashboard series.
type TimePoint struct {
	Date            string  `json:"date"`
	Searches        int64   `json:"searches"`
	AddToCart       int64   `json:"addToCart"`
	Purchases       int64   `json:"purchases"`
	AddToCartAmount float64 `json:"addToCartAmount"`
	Currency        string  `json:"currency"`
}

// TopQuery is a query string with its number of occurrences.
type TopQuery struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// DefaultSummary is returned when the aggregate cannot be computed.
func DefaultSummary() Summary {
	return Summary{
		TimeSeries:          []TimePoint{},
		TopQueries:          []TopQuery{},
		Currency:            DefaultCurrency,
		ConversionRatesUsed: map[string]float64{},
	}
}

// GroupComparison compares two experiment groups over the same window.
type GroupComparison struct {
	GroupA      Summary           `json:"groupA"`
	GroupALabel string            `json:"groupALabel"`
	GroupB      Summary           `json:"groupB"`
	GroupBLabel string            `json:"groupBLabel"`
	Comparison  ComparisonMetrics `json:"comparison"`
}

// Winner designations for key metrics.
const (
	WinnerA   = "A"
	WinnerB   = "B"
	WinnerTie = "TIE"
)

// ComparisonMetrics holds B-versus-A differences. Volume metrics are percent
// differences; rate metrics are percentage-point differences.
type ComparisonMetrics struct {
	SearchesDiff      float64 `json:"searchesDiff"`
	AddToCartDiff     float64 `json:"addToCartDiff"`
	PurchasesDiff     float64 `json:"purchasesDiff"`
	ProductClicksDiff float64 `json:"productClicksDiff"`
	BuyNowClicksDiff  float64 `json:"buyNowClicksDiff"`
	RevenueDiff       float64 `json:"revenueDiff"`

	ConversionRateDiff   float64 `json:"conversionRateDiff"`
	ClickThroughRateDiff float64 `json:"clickThroughRateDiff"`
	AddToCartRateDiff    float64 `json:"addToCartRateDiff"`

	SessionsWithClicksDiff     float64 `json:"sessionsWithClicksDiff"`
	SessionsWithAddToCartsDiff float64 `json:"sessionsWithAddToCartsDiff"`
	SessionsWithPurchasesDiff  float64 `json:"sessionsWithPurchasesDiff"`
	SessionsWithSearchesDiff   float64 `json:"sessionsWithSearchesDiff"`

	AddToCartAmountDiff  float64 `json:"addToCartAmountDiff"`
	PurchaseValueEURDiff float64 `json:"purchaseValueEurDiff"`

	AverageWordsPerQueryDiff float64 `json:"averageWordsPerQueryDiff"`
	LongQueryCountDiff       float64 `json:"longQueryCountDiff"`
	LongQueryPercentageDiff  float64 `json:"longQueryPercentageDiff"`

	ConversionWinner   string `json:"conversionWinner"`
	RevenueWinner      string `json:"revenueWinner"`
	ClickThroughWinner string `json:"clickThroughWinner"`
}

// FullExport carries every raw event of a window.
type FullExport struct {
	ShopID             string               `json:"shopId"`
	FromMs             int64                `json:"fromMs"`
	ToMs               int64                `json:"toMs"`
	SearchEvents       []*SearchEvent       `json:"searchEvents"`
	ProductClickEvents []*ProductClickEvent `json:"productClickEvents"`
	AddToCartEvents    []*AddToCartEvent    `json:"addToCartEvents"`
	PurchaseEvents     []*PurchaseEvent     `json:"purchaseEvents"`
	BuyNowClickEvents  []*BuyNowClickEvent  `json:"buyNowClickEvents"`
}

// BackfillResult reports how many events per kind received a group.
type BackfillResult struct {
	ShopID   string              `json:"shopId"`
	CutoffMs int64               `json:"cutoffMs"`
	Group    int                 `json:"group"`
	Updated  map[EventKind]int64 `json:"updated"`
}
