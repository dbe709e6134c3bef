package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/talya/search-analytics/internal/models"
)

// pgxQuerier is the subset of *pgxpool.Pool the event store needs.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool pgxQuerier
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool pgxQuerier) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

var eventTables = map[models.EventKind]string{
	models.KindSearch:       "search_events",
	models.KindAddToCart:    "add_to_cart_events",
	models.KindProductClick: "product_click_events",
	models.KindBuyNowClick:  "buy_now_click_events",
	models.KindPurchase:     "purchase_events",
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS search_events (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		shop_id      TEXT NOT NULL,
		search_id    TEXT NOT NULL DEFAULT '',
		client_id    TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		query        TEXT NOT NULL DEFAULT '',
		timestamp_ms BIGINT NOT NULL,
		product_ids  TEXT[] NOT NULL DEFAULT '{}',
		search_group INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_events_shop_ts ON search_events (shop_id, timestamp_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_search_events_session ON search_events (shop_id, session_id)`,
	`CREATE TABLE IF NOT EXISTS add_to_cart_events (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		shop_id      TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		product_id   TEXT NOT NULL DEFAULT '',
		search_id    TEXT NOT NULL DEFAULT '',
		timestamp_ms BIGINT NOT NULL,
		price        DOUBLE PRECISION,
		currency     TEXT NOT NULL DEFAULT '',
		search_group INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_add_to_cart_events_shop_ts ON add_to_cart_events (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS product_click_events (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		shop_id       TEXT NOT NULL,
		client_id     TEXT NOT NULL DEFAULT '',
		session_id    TEXT NOT NULL DEFAULT '',
		product_id    TEXT NOT NULL DEFAULT '',
		search_id     TEXT NOT NULL DEFAULT '',
		query         TEXT NOT NULL DEFAULT '',
		product_title TEXT NOT NULL DEFAULT '',
		url           TEXT NOT NULL DEFAULT '',
		timestamp_ms  BIGINT NOT NULL,
		search_group  INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_product_click_events_shop_ts ON product_click_events (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS buy_now_click_events (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		shop_id      TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		product_id   TEXT NOT NULL DEFAULT '',
		timestamp_ms BIGINT NOT NULL,
		price        DOUBLE PRECISION,
		currency     TEXT NOT NULL DEFAULT '',
		search_group INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_buy_now_click_events_shop_ts ON buy_now_click_events (shop_id, timestamp_ms)`,
	`CREATE TABLE IF NOT EXISTS purchase_events (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		shop_id      TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		user_id      TEXT NOT NULL DEFAULT '',
		lines        JSONB,
		total_amount DOUBLE PRECISION,
		currency     TEXT NOT NULL DEFAULT '',
		order_status TEXT NOT NULL DEFAULT '',
		timestamp_ms BIGINT NOT NULL,
		search_group INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchase_events_shop_ts ON purchase_events (shop_id, timestamp_ms)`,
}

// EnsureSchema creates the event tables and indexes if they do not exist.
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// windowClause renders the WHERE clause for q starting at placeholder $1.
func windowClause(q Query) (string, []any) {
	where := "shop_id = $1 AND timestamp_ms BETWEEN $2 AND $3"
	args := []any{q.ShopID, q.FromMs, q.ToMs}
	if q.Group != nil {
		where += " AND search_group = $4"
		args = append(args, *q.Group)
	}
	return where, args
}

// =============================================
// Searches
// =============================================

const searchColumns = "id, shop_id, search_id, client_id, session_id, query, timestamp_ms, product_ids, search_group"

func (s *PostgresEventStore) SaveSearch(ctx context.Context, e *models.SearchEvent) error {
	if e == nil {
		return nil
	}
	productIDs := e.ProductIDs
	if productIDs == nil {
		productIDs = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_events (`+searchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ShopID, e.SearchID, e.ClientID, e.SessionID, e.Query, e.TimestampMs, productIDs, e.SearchGroup)
	if err != nil {
		return fmt.Errorf("failed to save search: %w", err)
	}
	return nil
}

func scanSearch(row pgx.Row) (*models.SearchEvent, error) {
	var e models.SearchEvent
	if err := row.Scan(&e.ID, &e.ShopID, &e.SearchID, &e.ClientID, &e.SessionID, &e.Query,
		&e.TimestampMs, &e.ProductIDs, &e.SearchGroup); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEventStore) ListSearches(ctx context.Context, q Query) ([]*models.SearchEvent, error) {
	where, args := windowClause(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+searchColumns+` FROM search_events
		WHERE `+where+` ORDER BY timestamp_ms, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	return collect(rows, scanSearch, "searches")
}

func (s *PostgresEventStore) ListSearchesBySession(ctx context.Context, shopID, sessionID string) ([]*models.SearchEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+searchColumns+` FROM search_events
		WHERE shop_id = $1 AND session_id = $2 ORDER BY timestamp_ms, seq`, shopID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session searches: %w", err)
	}
	return collect(rows, scanSearch, "session searches")
}

func (s *PostgresEventStore) TopQueries(ctx context.Context, q Query, limit int) ([]models.TopQuery, error) {
	where, args := windowClause(q)
	sql := `SELECT query, count(*) AS cnt FROM search_events WHERE ` + where +
		` GROUP BY query ORDER BY cnt DESC, query`
	if limit > 0 {
		args = append(args, limit)
		sql += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top queries: %w", err)
	}
	defer rows.Close()

	result := make([]models.TopQuery, 0)
	for rows.Next() {
		var tq models.TopQuery
		if err := rows.Scan(&tq.Term, &tq.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top query: %w", err)
		}
		result = append(result, tq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read top queries: %w", err)
	}
	return result, nil
}

// =============================================
// Add-to-cart
// =============================================

const addToCartColumns = "id, shop_id, client_id, session_id, product_id, search_id, timestamp_ms, price, currency, search_group"

func (s *PostgresEventStore) SaveAddToCart(ctx context.Context, e *models.AddToCartEvent) error {
	if e == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO add_to_cart_events (`+addToCartColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.SearchID, e.TimestampMs, e.Price, e.Currency, e.SearchGroup)
	if err != nil {
		return fmt.Errorf("failed to save add-to-cart: %w", err)
	}
	return nil
}

func scanAddToCart(row pgx.Row) (*models.AddToCartEvent, error) {
	var e models.AddToCartEvent
	if err := row.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.SearchID,
		&e.TimestampMs, &e.Price, &e.Currency, &e.SearchGroup); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEventStore) ListAddToCarts(ctx context.Context, q Query) ([]*models.AddToCartEvent, error) {
	where, args := windowClause(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+addToCartColumns+` FROM add_to_cart_events
		WHERE `+where+` ORDER BY timestamp_ms, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list add-to-carts: %w", err)
	}
	return collect(rows, scanAddToCart, "add-to-carts")
}

// =============================================
// Clicks
// =============================================

const productClickColumns = "id, shop_id, client_id, session_id, product_id, search_id, query, product_title, url, timestamp_ms, search_group"

func (s *PostgresEventStore) SaveProductClick(ctx context.Context, e *models.ProductClickEvent) error {
	if e == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_click_events (`+productClickColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.SearchID, e.Query, e.ProductTitle, e.URL,
		e.TimestampMs, e.SearchGroup)
	if err != nil {
		return fmt.Errorf("failed to save product click: %w", err)
	}
	return nil
}

func scanProductClick(row pgx.Row) (*models.ProductClickEvent, error) {
	var e models.ProductClickEvent
	if err := row.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.SearchID, &e.Query,
		&e.ProductTitle, &e.URL, &e.TimestampMs, &e.SearchGroup); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEventStore) ListProductClicks(ctx context.Context, q Query) ([]*models.ProductClickEvent, error) {
	where, args := windowClause(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+productClickColumns+` FROM product_click_events
		WHERE `+where+` ORDER BY timestamp_ms, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list product clicks: %w", err)
	}
	return collect(rows, scanProductClick, "product clicks")
}

const buyNowColumns = "id, shop_id, client_id, session_id, product_id, timestamp_ms, price, currency, search_group"

func (s *PostgresEventStore) SaveBuyNowClick(ctx context.Context, e *models.BuyNowClickEvent) error {
	if e == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO buy_now_click_events (`+buyNowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ShopID, e.ClientID, e.SessionID, e.ProductID, e.TimestampMs, e.Price, e.Currency, e.SearchGroup)
	if err != nil {
		return fmt.Errorf("failed to save buy-now click: %w", err)
	}
	return nil
}

func scanBuyNow(row pgx.Row) (*models.BuyNowClickEvent, error) {
	var e models.BuyNowClickEvent
	if err := row.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.ProductID, &e.TimestampMs,
		&e.Price, &e.Currency, &e.SearchGroup); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEventStore) ListBuyNowClicks(ctx context.Context, q Query) ([]*models.BuyNowClickEvent, error) {
	where, args := windowClause(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+buyNowColumns+` FROM buy_now_click_events
		WHERE `+where+` ORDER BY timestamp_ms, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list buy-now clicks: %w", err)
	}
	return collect(rows, scanBuyNow, "buy-now clicks")
}

// =============================================
// Purchases
// =============================================

const purchaseColumns = "id, shop_id, client_id, session_id, user_id, lines, total_amount, currency, order_status, timestamp_ms, search_group"

func (s *PostgresEventStore) SavePurchase(ctx context.Context, e *models.PurchaseEvent) error {
	if e == nil {
		return nil
	}

	var lines []byte
	if e.Lines != nil {
		var err error
		if lines, err = json.Marshal(e.Lines); err != nil {
			return fmt.Errorf("failed to encode purchase lines: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO purchase_events (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ShopID, e.ClientID, e.SessionID, e.UserID, lines, e.TotalAmount, e.Currency, e.OrderStatus,
		e.TimestampMs, e.SearchGroup)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	return nil
}

func scanPurchase(row pgx.Row) (*models.PurchaseEvent, error) {
	var e models.PurchaseEvent
	var lines []byte
	if err := row.Scan(&e.ID, &e.ShopID, &e.ClientID, &e.SessionID, &e.UserID, &lines, &e.TotalAmount,
		&e.Currency, &e.OrderStatus, &e.TimestampMs, &e.SearchGroup); err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &e.Lines); err != nil {
			return nil, fmt.Errorf("purchase %s: bad lines: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *PostgresEventStore) ListPurchases(ctx context.Context, q Query) ([]*models.PurchaseEvent, error) {
	where, args := windowClause(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_events
		WHERE `+where+` ORDER BY timestamp_ms, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return collect(rows, scanPurchase, "purchases")
}

// =============================================
// Aggregations
// =============================================

func (s *PostgresEventStore) Count(ctx context.Context, kind models.EventKind, q Query) (int64, error) {
	table, ok := eventTables[kind]
	if !ok {
		return 0, fmt.Errorf("count %q: %w", kind, ErrUnknownKind)
	}

	where, args := windowClause(q)
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+table+` WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}

func (s *PostgresEventStore) BackfillGroup(ctx context.Context, kind models.EventKind, shopID string, beforeMs int64, group int) (int64, error) {
	table, ok := eventTables[kind]
	if !ok {
		return 0, fmt.Errorf("backfill %q: %w", kind, ErrUnknownKind)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET search_group = $1
		WHERE shop_id = $2 AND timestamp_ms < $3 AND search_group IS NULL`, group, shopID, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill %s: %w", kind, err)
	}
	return tag.RowsAffected(), nil
}

// collect drains rows through scan and always closes them.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error), what string) ([]*T, error) {
	defer rows.Close()

	result := make([]*T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return result, nil
}
