package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession() (string, error) {
	id := uuid.NewString()[:8]
	_, err := s.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, id, now())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// UpdateSessionUpstreamID records the upstream agent session id the first
// time it becomes known. Never mutated again.
func (s *Store) UpdateSessionUpstreamID(sessionID, upstreamID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET upstream_session_id = ? WHERE id = ? AND upstream_session_id IS NULL`,
		upstreamID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session upstream id: %w", err)
	}
	return nil
}

// EndSession marks a session finished with its summary counters.
func (s *Store) EndSession(sessionID string, tradesPlaced, recommendationsMade int, pnlUSD *float64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, trades_placed = ?, recommendations_made = ?, pnl_usd = ? WHERE id = ?`,
		now(), tradesPlaced, recommendationsMade, pnlUSD, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Leg is one proposed leg of a recommendation group, as submitted at
// creation time.
type Leg struct {
	Exchange       string
	MarketID       string
	MarketTitle    string
	Action         string
	Side           string
	Quantity       int
	PriceCents     int
	IsMaker        bool
	OrderType      string
	OrderbookJSON  string
}

// Group is a recommendation group with its ordered legs, as returned by
// GetGroup/GetPendingGroups.
type Group struct {
	ID                 int64
	SessionID          string
	CreatedAt          string
	Thesis             string
	Strategy           string
	EquivalenceNotes   string
	Status             string
	EstimatedEdgePct   *float64
	NetEdgePct         *float64
	FeesUSD            *float64
	TotalExposureUSD   *float64
	HypotheticalPnLUSD *float64
	ExpiresAt          string
	ReviewedAt         *string
	ExecutedAt         *string
	Legs               []GroupLeg
}

// GroupLeg is a stored leg including its execution state.
type GroupLeg struct {
	ID               int64
	GroupID          int64
	LegIndex         int
	Exchange         string
	MarketID         string
	MarketTitle      string
	Action           string
	Side             string
	Quantity         int
	PriceCents       int
	IsMaker          bool
	OrderType        string
	Status           string
	OrderID          *string
	FillPriceCents   *int
	FillQuantity     *int
	OrderbookJSON    *string
	SettlementValue  *int
	SettledAt        *string
}

// CreateRecommendationGroup inserts a group and all its legs in one
// transaction; leg index is assigned from list position.
func (s *Store) CreateRecommendationGroup(sessionID, thesis, strategy, equivalenceNotes string, estimatedEdgePct float64, legs []Leg, ttl time.Duration) (int64, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, "", fmt.Errorf("create group: begin: %w", err)
	}
	defer tx.Rollback()

	createdAt := time.Now().UTC()
	expiresAt := createdAt.Add(ttl).Format(time.RFC3339Nano)

	res, err := tx.Exec(
		`INSERT INTO recommendation_groups
			(session_id, created_at, thesis, strategy, equivalence_notes, status, estimated_edge_pct, expires_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		sessionID, createdAt.Format(time.RFC3339Nano), thesis, strategy, equivalenceNotes, estimatedEdgePct, expiresAt,
	)
	if err != nil {
		return 0, "", fmt.Errorf("create group: insert group: %w", err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("create group: last insert id: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO recommendation_legs
			(group_id, leg_index, exchange, market_id, market_title, action, side, quantity,
			 price_cents, is_maker, order_type, status, orderbook_snapshot_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
	)
	if err != nil {
		return 0, "", fmt.Errorf("create group: prepare leg insert: %w", err)
	}
	defer stmt.Close()

	for i, leg := range legs {
		if _, err := stmt.Exec(
			groupID, i, leg.Exchange, leg.MarketID, leg.MarketTitle, leg.Action, leg.Side,
			leg.Quantity, leg.PriceCents, boolToInt(leg.IsMaker), orDefault(leg.OrderType, "limit"),
			leg.OrderbookJSON, createdAt.Format(time.RFC3339Nano),
		); err != nil {
			return 0, "", fmt.Errorf("create group: insert leg %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("create group: commit: %w", err)
	}
	return groupID, expiresAt, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// GetGroup returns one group with its legs, or nil if not found.
func (s *Store) GetGroup(groupID int64) (*Group, error) {
	groups, err := s.queryGroups(`SELECT * FROM recommendation_groups WHERE id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return &groups[0], nil
}

// GetPendingGroups returns every group still awaiting a terminal status.
func (s *Store) GetPendingGroups() ([]Group, error) {
	return s.queryGroups(`SELECT * FROM recommendation_groups WHERE status = 'pending' ORDER BY created_at DESC`)
}

func (s *Store) queryGroups(query string, args ...any) ([]Group, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(
			&g.ID, &g.SessionID, &g.CreatedAt, &g.Thesis, &g.Strategy, &g.EquivalenceNotes,
			&g.Status, &g.EstimatedEdgePct, &g.NetEdgePct, &g.FeesUSD, &g.TotalExposureUSD,
			&g.HypotheticalPnLUSD, &g.ExpiresAt, &g.ReviewedAt, &g.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		legs, err := s.getLegsForGroup(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Legs = legs
	}
	return groups, nil
}

func (s *Store) getLegsForGroup(groupID int64) ([]GroupLeg, error) {
	rows, err := s.db.Query(
		`SELECT id, group_id, leg_index, exchange, market_id, market_title, action, side,
			quantity, price_cents, is_maker, order_type, status, order_id, fill_price_cents,
			fill_quantity, orderbook_snapshot_json, settlement_value, settled_at
		 FROM recommendation_legs WHERE group_id = ? ORDER BY leg_index`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()

	var legs []GroupLeg
	for rows.Next() {
		var l GroupLeg
		var isMaker int
		if err := rows.Scan(
			&l.ID, &l.GroupID, &l.LegIndex, &l.Exchange, &l.MarketID, &l.MarketTitle, &l.Action,
			&l.Side, &l.Quantity, &l.PriceCents, &isMaker, &l.OrderType, &l.Status, &l.OrderID,
			&l.FillPriceCents, &l.FillQuantity, &l.OrderbookJSON, &l.SettlementValue, &l.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		l.IsMaker = isMaker != 0
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

// UpdateLegStatus sets a leg's status and optional order id, timestamping
// the change.
func (s *Store) UpdateLegStatus(legID int64, status string, orderID *string) error {
	_, err := s.db.Exec(
		`UPDATE recommendation_legs SET status = ?, order_id = ?, updated_at = ? WHERE id = ?`,
		status, orderID, now(), legID,
	)
	if err != nil {
		return fmt.Errorf("update leg status: %w", err)
	}
	return nil
}

// UpdateLegFill records the observed fill price and quantity for a leg.
func (s *Store) UpdateLegFill(legID int64, fillPriceCents, fillQty int) error {
	_, err := s.db.Exec(
		`UPDATE recommendation_legs SET fill_price_cents = ?, fill_quantity = ?, updated_at = ? WHERE id = ?`,
		fillPriceCents, fillQty, now(), legID,
	)
	if err != nil {
		return fmt.Errorf("update leg fill: %w", err)
	}
	return nil
}

// UpdateGroupStatus transitions a group to a terminal (or intermediate)
// status, writing reviewed_at or executed_at depending on the target.
func (s *Store) UpdateGroupStatus(groupID int64, status string) error {
	col := "reviewed_at"
	if status == "executed" {
		col = "executed_at"
	}
	query := fmt.Sprintf(`UPDATE recommendation_groups SET status = ?, %s = ? WHERE id = ?`, col)
	if _, err := s.db.Exec(query, status, now(), groupID); err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	return nil
}

// UpdateGroupComputedFields persists the edge/fee figures recomputed just
// before execution.
func (s *Store) UpdateGroupComputedFields(groupID int64, netEdgePct, feesUSD, totalExposureUSD float64) error {
	_, err := s.db.Exec(
		`UPDATE recommendation_groups SET net_edge_pct = ?, fees_usd = ?, total_exposure_usd = ? WHERE id = ?`,
		netEdgePct, feesUSD, totalExposureUSD, groupID,
	)
	if err != nil {
		return fmt.Errorf("update group computed fields: %w", err)
	}
	return nil
}

// UpdateGroupPnL persists the hypothetical settlement P&L once known.
func (s *Store) UpdateGroupPnL(groupID int64, pnlUSD float64) error {
	_, err := s.db.Exec(`UPDATE recommendation_groups SET hypothetical_pnl_usd = ? WHERE id = ?`, pnlUSD, groupID)
	if err != nil {
		return fmt.Errorf("update group pnl: %w", err)
	}
	return nil
}

// LogTrade appends an audit row for one order-placement attempt, before
// the outcome is known.
func (s *Store) LogTrade(sessionID string, legID *int64, exchange, marketID, action, side string, count int, priceCents *int, orderType string, orderID *string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO trades
			(session_id, leg_id, exchange, timestamp, market_id, action, side, count,
			 price_cents, order_type, order_id, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'placed')`,
		sessionID, legID, exchange, now(), marketID, action, side, count, priceCents, orderType, orderID,
	)
	if err != nil {
		return 0, fmt.Errorf("log trade: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeStatus sets a trade's terminal status and optional result
// blob; trades are otherwise append-only.
func (s *Store) UpdateTradeStatus(tradeID int64, status string, resultBlob any) error {
	var resultJSON sql.NullString
	if resultBlob != nil {
		data, err := json.Marshal(resultBlob)
		if err != nil {
			return fmt.Errorf("update trade status: marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.Exec(
		`UPDATE trades SET status = ?, result_json = COALESCE(?, result_json) WHERE id = ?`,
		status, resultJSON, tradeID,
	)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return nil
}

// UnreconciledTrade is a trade whose outcome was never confirmed.
type UnreconciledTrade struct {
	Exchange   string
	MarketID   string
	Action     string
	Side       string
	Count      int
	PriceCents *int
	OrderID    *string
}

// LogSessionSummary writes the (at most one) SessionLog row for a
// session, stub or real.
func (s *Store) LogSessionSummary(sessionID, content string, isStub bool) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO session_logs (session_id, created_at, content, is_stub) VALUES (?, ?, ?, ?)`,
		sessionID, now(), content, boolToInt(isStub),
	)
	if err != nil {
		return 0, fmt.Errorf("log session summary: %w", err)
	}
	return res.LastInsertId()
}

// GetUnloggedSessions returns sessions with no session_logs row, used on
// startup to find sessions that died without a summary.
func (s *Store) GetUnloggedSessions() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT s.id FROM sessions s
		LEFT JOIN session_logs l ON l.session_id = s.id
		WHERE l.id IS NULL
		ORDER BY s.started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("get unlogged sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpstreamSessionID returns a session's recorded upstream id, if any.
func (s *Store) UpstreamSessionID(sessionID string) (string, error) {
	var upstream sql.NullString
	err := s.db.QueryRow(`SELECT upstream_session_id FROM sessions WHERE id = ?`, sessionID).Scan(&upstream)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("upstream session id: %w", err)
	}
	return upstream.String, nil
}

// SessionContext is the JSON-shaped bundle handed to the agent at the
// start of a session.
type SessionContext struct {
	LastSessionSummary  string              `json:"last_session_summary,omitempty"`
	PendingGroups       []Group             `json:"pending_groups"`
	UnreconciledTrades  []UnreconciledTrade `json:"unreconciled_trades"`
}

// BuildSessionContext collates the most recent prior session's summary,
// this session's outstanding pending groups, and recent unreconciled
// trades.
func (s *Store) BuildSessionContext(currentSessionID string) (*SessionContext, error) {
	ctx := &SessionContext{}

	var summary sql.NullString
	err := s.db.QueryRow(`
		SELECT l.content FROM session_logs l
		JOIN sessions s ON s.id = l.session_id
		WHERE s.id != ? AND l.is_stub = 0
		ORDER BY l.created_at DESC LIMIT 1
	`, currentSessionID).Scan(&summary)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("build session context: last summary: %w", err)
	}
	ctx.LastSessionSummary = summary.String

	pending, err := s.queryGroups(`SELECT * FROM recommendation_groups WHERE status = 'pending' AND session_id = ? ORDER BY created_at DESC`, currentSessionID)
	if err != nil {
		return nil, fmt.Errorf("build session context: pending groups: %w", err)
	}
	ctx.PendingGroups = pending

	rows, err := s.db.Query(`
		SELECT exchange, market_id, action, side, count, price_cents, order_id
		FROM trades WHERE status = 'placed'
		ORDER BY timestamp DESC LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("build session context: unreconciled trades: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t UnreconciledTrade
		if err := rows.Scan(&t.Exchange, &t.MarketID, &t.Action, &t.Side, &t.Count, &t.PriceCents, &t.OrderID); err != nil {
			return nil, fmt.Errorf("build session context: scan trade: %w", err)
		}
		ctx.UnreconciledTrades = append(ctx.UnreconciledTrades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ctx, nil
}

// UpsertEvent inserts or refreshes one event's collector metadata, keyed
// by (event_ticker, exchange).
func (s *Store) UpsertEvent(eventTicker, exchange, seriesTicker, title, category string, mutuallyExclusive bool, marketsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (event_ticker, exchange, series_ticker, title, category, mutually_exclusive, last_updated, markets_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_ticker, exchange) DO UPDATE SET
			series_ticker = excluded.series_ticker,
			title = excluded.title,
			category = excluded.category,
			mutually_exclusive = excluded.mutually_exclusive,
			last_updated = excluded.last_updated,
			markets_json = excluded.markets_json
	`, eventTicker, exchange, seriesTicker, title, category, boolToInt(mutuallyExclusive), now(), marketsJSON)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}
