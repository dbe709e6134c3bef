package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/talya/search-analytics/internal/models"
)

// ClickHouseEventStore implements EventStore on MergeTree tables. Purchase
// lines are stored as parallel arrays.
type ClickHouseEventStore struct {
	conn driver.Conn
}

// NewClickHouseEventStore creates a ClickHouse-backed event store.
func NewClickHouseEventStore(conn driver.Conn) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn}
}

var chSchema = []string{
	`CREATE TABLE IF NOT EXISTS search_events (
		id           String,
		shop_id      String,
		search_id    String,
		client_id    String,
		session_id   String,
		query        String,
		timestamp_ms Int64,
		product_ids  Array(String),
		search_group Nullable(Int32),
		ingested_at  DateTime64(9) DEFAULT now64(9)
	) ENGINE = MergeTree ORDER BY (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS add_to_cart_events (
		id           String,
		shop_id      String,
		client_id    String,
		session_id   String,
		product_id   String,
		search_id    String,
		timestamp_ms Int64,
		price        Nullable(Float64),
		currency     String,
		search_group Nullable(Int32),
		ingested_at  DateTime64(9) DEFAULT now64(9)
	) ENGINE = MergeTree ORDER BY (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS product_click_events (
		id            String,
		shop_id       String,
		client_id     String,
		session_id    String,
		product_id    String,
		search_id     String,
		query         String,
		product_title String,
		url           String,
		timestamp_ms  Int64,
		search_group  Nullable(Int32),
		ingested_at   DateTime64(9) DEFAULT now64(9)
	) ENGINE = MergeTree ORDER BY (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS buy_now_click_events (
		id           String,
		shop_id      String,
		client_id    String,
		session_id   String,
		product_id   String,
		timestamp_ms Int64,
		price        Nullable(Float64),
		currency     String,
		search_group Nullable(Int32),
		ingested_at  DateTime64(9) DEFAULT now64(9)
	) ENGINE = MergeTree ORDER BY (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS purchase_events (
		id               String,
		shop_id          String,
		client_id        String,
		session_id       String,
		user_id          String,
		has_lines        UInt8,
		line_product_ids Array(String),
		line_names       Array(String),
		line_prices      Array(Nullable(Float64)),
		line_quantities  Array(Nullable(Int32)),
		total_amount     Nullable(Float64),
		currency         String,
		order_status     String,
		timestamp_ms     Int64,
		search_group     Nullable(Int32),
		ingested_at      DateTime64(9) DEFAULT now64(9)
	) ENGINE = MergeTree ORDER BY (shop_id, timestamp_ms)`,
}

// EnsureSchema creates the event tables if they do not exist.
func (s *ClickHouseEventStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range chSchema {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure clickhouse schema: %w", err)
		}
	}
	return nil
}

func chWindow(q Query) (string, []any) {
	where := "shop_id = ? AND timestamp_ms BETWEEN ? AND ?"
	args := []any{q.ShopID, q.FromMs, q.ToMs}
	if q.Group != nil {
		where += " AND search_group = ?"
		args = append(args, int32(*q.Group))
	}
	return where, args
}

func toInt32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func fromInt32Ptr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

// insert sends a single-row batch.
func (s *ClickHouseEventStore) insert(ctx context.Context, table string, values ...any) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	if err := batch.Append(values...); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append %s row: %w", table, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// =============================================
// Searches
// =============================================

func (s *ClickHouseEventStore) SaveSearch(ctx context.Context, e *models.SearchEvent) error {
	if e == nil {
		return nil
	}
	productIDs := e.ProductIDs
	if productIDs == nil {
		productIDs = []string{}
	}
	return s.insert(ctx, "search_events (id, shop_id, search_id, client_id, session_id, query, timestamp_ms, product_ids, search_group)",
		e.ID, e.ShopID, e.SearchID, e.ClientID, e.SessionID, e.Query, e.TimestampMs, productIDs, toInt32Ptr(e.SearchGroup))
}

func (s *ClickHouseEventStore) querySearches(ctx context.Context, where string, args []any) ([]*models.SearchEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, shop_id, search_id, client_id, session_id, query, timestamp_ms, product_ids, search_group
		FROM search_events WHERE `+where+` ORDER BY timestamp_ms, ingested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	defer rows.Close()

	result := make([]*models.SearchEvent, 0)
	for rows.Next() {
		var e models.SearchEvent
		var group *int32
		if err := rows.Scan(&e.ID, &e.ShopID, &e.SearchID, &e.ClientID, &e.SessionID, &e.Query,
			&e.TimestampMs, &e.ProductIDs, &group); err != nil {
			return nil, fmt.Errorf("failed to scan search: %w", err)
		}
		e.SearchGroup = fromInt32Ptr(group)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *ClickHouseEventStore) ListSearches(ctx context.Context, q Query) ([]*models.SearchEvent, error) {
	where, args := chWindow(q)
	return s.querySearches(ctx, where, args)
}

func (s *ClickHouseEventStore) ListSearchesBySession(ctx context.Context, shopID, sessionID string) ([]*models.SearchEvent, error) {
	return s.querySearches(ctx, "shop_id = ? AND session_id = ?", []any{shopID, sessionID})
}

func (s *ClickHouseEventStore) TopQueries(ctx context.Context, q Query, limit int) ([]models.TopQuery, error) {
	where, args := chWindow(q)
	sql := `SELECT query, count() AS cnt FROM search_events WHERE ` + where +
		` GROUP BY query ORDER BY cnt DESC, query`
	if limit > 0 {
		sql += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top queries: %w", err)
	}
	defer rows.Close()

	result := make([]models.TopQuery, 0)
	for rows.Next() {
		var term string
		var cnt uint64
		if err := rows.Scan(&term, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan top query: %w", err)
		}
		result = append(result, models.TopQuery{Term: term, Count: int64(cnt)})
	}
	return result, rows.Err()
}

// =============================================
// Add-to-cart
// =============================================

func (s *ClickHouseEventStore) SaveAddToCart(ctx context.Context, e *models.AddToCartEvent) error {
	if e == nil {
		return nil
	}
	return s.insert(ctx, "add_to_cart_events (id, shop_id, client_id, session_id, product_id, search_id, timestamp_ms, price, currency, search_group)",
		e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.SearchID, e.TimestampMs, e.Price, e.Currency, toInt32Ptr(e.SearchGroup))
}

func (s *ClickHouseEventStore) ListAddToCarts(ctx context.Context, q Query) ([]*models.AddToCartEvent, error) {
	where, args := chWindow(q)
	rows, err := s.conn.Query(ctx, `
		SELECT id, shop_id, client_id, session_id, product_id, search_id, timestamp_ms, price, currency, search_group
		FROM add_to_cart_events WHERE `+where+` ORDER BY timestamp_ms, ingested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list add-to-carts: %w", err)
	}
	defer rows.Close()

	result := make([]*models.AddToCartEvent, 0)
	for rows.Next() {
		var e models.AddToCartEvent
		var group *int32
		if err := rows.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.SearchID,
			&e.TimestampMs, &e.Price, &e.Currency, &group); err != nil {
			return nil, fmt.Errorf("failed to scan add-to-cart: %w", err)
		}
		e.SearchGroup = fromInt32Ptr(group)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// =============================================
// Clicks
// =============================================

func (s *ClickHouseEventStore) SaveProductClick(ctx context.Context, e *models.ProductClickEvent) error {
	if e == nil {
		return nil
	}
	return s.insert(ctx, "product_click_events (id, shop_id, client_id, session_id, product_id, search_id, query, product_title, url, timestamp_ms, search_group)",
		e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.SearchID, e.Query, e.ProductTitle, e.URL,
		e.TimestampMs, toInt32Ptr(e.SearchGroup))
}

func (s *ClickHouseEventStore) ListProductClicks(ctx context.Context, q Query) ([]*models.ProductClickEvent, error) {
	where, args := chWindow(q)
	rows, err := s.conn.Query(ctx, `
		SELECT id, shop_id, client_id, session_id, product_id, search_id, query, product_title, url, timestamp_ms, search_group
		FROM product_click_events WHERE `+where+` ORDER BY timestamp_ms, ingested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list product clicks: %w", err)
	}
	defer rows.Close()

	result := make([]*models.ProductClickEvent, 0)
	for rows.Next() {
		var e models.ProductClickEvent
		var group *int32
		if err := rows.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.SearchID, &e.Query,
			&e.ProductTitle, &e.URL, &e.TimestampMs, &group); err != nil {
			return nil, fmt.Errorf("failed to scan product click: %w", err)
		}
		e.SearchGroup = fromInt32Ptr(group)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *ClickHouseEventStore) SaveBuyNowClick(ctx context.Context, e *models.BuyNowClickEvent) error {
	if e == nil {
		return nil
	}
	return s.insert(ctx, "buy_now_click_events (id, shop_id, client_id, session_id, product_id, timestamp_ms, price, currency, search_group)",
		e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.TimestampMs, e.Price, e.Currency, toInt32Ptr(e.SearchGroup))
}

func (s *ClickHouseEventStore) ListBuyNowClicks(ctx context.Context, q Query) ([]*models.BuyNowClickEvent, error) {
	where, args := chWindow(q)
	rows, err := s.conn.Query(ctx, `
		SELECT id, shop_id, client_id, session_id, product_id, timestamp_ms, price, currency, search_group
		FROM buy_now_click_events WHERE `+where+` ORDER BY timestamp_ms, ingested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list buy-now clicks: %w", err)
	}
	defer rows.Close()

	result := make([]*models.BuyNowClickEvent, 0)
	for rows.Next() {
		var e models.BuyNowClickEvent
		var group *int32
		if err := rows.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.TimestampMs,
			&e.Price, &e.Currency, &group); err != nil {
			return nil, fmt.Errorf("failed to scan buy-now click: %w", err)
		}
		e.SearchGroup = fromInt32Ptr(group)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// =============================================
// Purchases
// =============================================

// purchaseColumnsCH holds purchase lines split into parallel arrays.
type purchaseColumnsCH struct {
	HasLines   uint8
	ProductIDs []string
	Names      []string
	Prices     []*float64
	Quantities []*int32
}

func packLines(lines []models.PurchaseLine) purchaseColumnsCH {
	cols := purchaseColumnsCH{
		ProductIDs: make([]string, 0, len(lines)),
		Names:      make([]string, 0, len(lines)),
		Prices:     make([]*float64, 0, len(lines)),
		Quantities: make([]*int32, 0, len(lines)),
	}
	if lines != nil {
		cols.HasLines = 1
	}
	for _, l := range lines {
		cols.ProductIDs = append(cols.ProductIDs, l.ProductID)
		cols.Names = append(cols.Names, l.Name)
		cols.Prices = append(cols.Prices, l.Price)
		cols.Quantities = append(cols.Quantities, toInt32Ptr(l.Quantity))
	}
	return cols
}

func unpackLines(cols purchaseColumnsCH) ([]models.PurchaseLine, error) {
	if cols.HasLines == 0 {
		return nil, nil
	}
	n := len(cols.ProductIDs)
	if len(cols.Names) != n || len(cols.Prices) != n || len(cols.Quantities) != n {
		return nil, fmt.Errorf("purchase line arrays differ in length")
	}
	lines := make([]models.PurchaseLine, n)
	for i := range lines {
		lines[i] = models.PurchaseLine{
			ProductID: cols.ProductIDs[i],
			Name:      cols.Names[i],
			Price:     cols.Prices[i],
			Quantity:  fromInt32Ptr(cols.Quantities[i]),
		}
	}
	return lines, nil
}

func (s *ClickHouseEventStore) SavePurchase(ctx context.Context, e *models.PurchaseEvent) error {
	if e == nil {
		return nil
	}
	cols := packLines(e.Lines)
	return s.insert(ctx, `purchase_events (id, shop_id, client_id, session_id, user_id, has_lines, line_product_ids,
		line_names, line_prices, line_quantities, total_amount, currency, order_status, timestamp_ms, search_group)`,
		e.ID, e.ShopID, e.ClientID, e.SessionID, e.UserID, cols.HasLines, cols.ProductIDs, cols.Names, cols.Prices,
		cols.Quantities, e.TotalAmount, e.Currency, e.OrderStatus, e.TimestampMs, toInt32Ptr(e.SearchGroup))
}

func (s *ClickHouseEventStore) ListPurchases(ctx context.Context, q Query) ([]*models.PurchaseEvent, error) {
	where, args := chWindow(q)
	rows, err := s.conn.Query(ctx, `
		SELECT id, shop_id, client_id, session_id, user_id, has_lines, line_product_ids, line_names, line_prices,
			line_quantities, total_amount, currency, order_status, timestamp_ms, search_group
		FROM purchase_events WHERE `+where+` ORDER BY timestamp_ms, ingested_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	result := make([]*models.PurchaseEvent, 0)
	for rows.Next() {
		var e models.PurchaseEvent
		var cols purchaseColumnsCH
		var group *int32
		if err := rows.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.UserID, &cols.HasLines,
			&cols.ProductIDs, &cols.Names, &cols.Prices, &cols.Quantities, &e.TotalAmount, &e.Currency,
			&e.OrderStatus, &e.TimestampMs, &group); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		if e.Lines, err = unpackLines(cols); err != nil {
			return nil, fmt.Errorf("purchase %s: %w", e.ID, err)
		}
		e.SearchGroup = fromInt32Ptr(group)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// =============================================
// Aggregations
// =============================================

func (s *ClickHouseEventStore) Count(ctx context.Context, kind models.EventKind, q Query) (int64, error) {
	table, ok := eventTables[kind]
	if !ok {
		return 0, fmt.Errorf("count %q: %w", kind, ErrUnknownKind)
	}

	where, args := chWindow(q)
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM `+table+` WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return int64(count), nil
}

const backfillWhere = "shop_id = ? AND timestamp_ms < ? AND search_group IS NULL"

// BackfillGroup counts the affected rows, then runs a synchronous mutation.
func (s *ClickHouseEventStore) BackfillGroup(ctx context.Context, kind models.EventKind, shopID string, beforeMs int64, group int) (int64, error) {
	table, ok := eventTables[kind]
	if !ok {
		return 0, fmt.Errorf("backfill %q: %w", kind, ErrUnknownKind)
	}

	var pending uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM `+table+` WHERE `+backfillWhere,
		shopID, beforeMs).Scan(&pending); err != nil {
		return 0, fmt.Errorf("failed to count %s backfill: %w", kind, err)
	}
	if pending == 0 {
		return 0, nil
	}

	mctx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{"mutations_sync": 1}))
	if err := s.conn.Exec(mctx, `ALTER TABLE `+table+` UPDATE search_group = ? WHERE `+backfillWhere,
		int32(group), shopID, beforeMs); err != nil {
		return 0, fmt.Errorf("failed to backfill %s: %w", kind, err)
	}
	return int64(pending), nil
}
