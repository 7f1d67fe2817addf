package journal

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestCreateSessionAssignsID(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	id, err := s.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(id) != 8 {
		t.Errorf("session id len = %d, want 8", len(id))
	}
}

func TestUpdateSessionUpstreamIDOnlySetsOnce(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	id, _ := s.CreateSession()
	if err := s.UpdateSessionUpstreamID(id, "up-1"); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdateSessionUpstreamID(id, "up-2"); err != nil {
		t.Fatalf("second update: %v", err)
	}

	got, err := s.UpstreamSessionID(id)
	if err != nil {
		t.Fatalf("UpstreamSessionID: %v", err)
	}
	if got != "up-1" {
		t.Errorf("upstream id = %q, want %q (never mutated after first write)", got, "up-1")
	}
}

func TestCreateRecommendationGroupInsertsLegsAtomically(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	sessionID, _ := s.CreateSession()
	legs := []Leg{
		{Exchange: "kalshi", MarketID: "A-YES", Action: "buy", Side: "yes", Quantity: 10, PriceCents: 42},
		{Exchange: "kalshi", MarketID: "B-YES", Action: "buy", Side: "yes", Quantity: 10, PriceCents: 61},
	}

	groupID, expiresAt, err := s.CreateRecommendationGroup(sessionID, "bracket thesis", "bracket", "", 6.3, legs, 60*time.Minute)
	if err != nil {
		t.Fatalf("CreateRecommendationGroup: %v", err)
	}
	if groupID == 0 {
		t.Fatal("groupID is 0")
	}
	if expiresAt == "" {
		t.Error("expiresAt is empty")
	}

	group, err := s.GetGroup(groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if group == nil {
		t.Fatal("GetGroup returned nil")
	}
	if group.Status != "pending" {
		t.Errorf("status = %q, want pending", group.Status)
	}
	if len(group.Legs) != 2 {
		t.Fatalf("legs len = %d, want 2", len(group.Legs))
	}
	if group.Legs[0].LegIndex != 0 || group.Legs[1].LegIndex != 1 {
		t.Errorf("leg index order wrong: %d, %d", group.Legs[0].LegIndex, group.Legs[1].LegIndex)
	}
}

func TestGetPendingGroupsExcludesTerminal(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	sessionID, _ := s.CreateSession()
	legs := []Leg{{Exchange: "kalshi", MarketID: "A", Action: "buy", Side: "yes", Quantity: 1, PriceCents: 50}}

	pendingID, _, err := s.CreateRecommendationGroup(sessionID, "", "", "", 0, legs, time.Hour)
	if err != nil {
		t.Fatalf("create pending group: %v", err)
	}
	rejectedID, _, err := s.CreateRecommendationGroup(sessionID, "", "", "", 0, legs, time.Hour)
	if err != nil {
		t.Fatalf("create rejected group: %v", err)
	}
	if err := s.UpdateGroupStatus(rejectedID, "rejected"); err != nil {
		t.Fatalf("UpdateGroupStatus: %v", err)
	}

	pending, err := s.GetPendingGroups()
	if err != nil {
		t.Fatalf("GetPendingGroups: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != pendingID {
		t.Errorf("pending groups = %+v, want only group %d", pending, pendingID)
	}
}

func TestUpdateGroupStatusWritesExecutedAtOnlyForExecuted(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	sessionID, _ := s.CreateSession()
	legs := []Leg{{Exchange: "kalshi", MarketID: "A", Action: "buy", Side: "yes", Quantity: 1, PriceCents: 50}}
	groupID, _, _ := s.CreateRecommendationGroup(sessionID, "", "", "", 0, legs, time.Hour)

	if err := s.UpdateGroupStatus(groupID, "rejected"); err != nil {
		t.Fatalf("UpdateGroupStatus: %v", err)
	}
	group, _ := s.GetGroup(groupID)
	if group.ReviewedAt == nil {
		t.Error("reviewed_at not set for non-executed terminal status")
	}
	if group.ExecutedAt != nil {
		t.Error("executed_at set for rejected status")
	}
}

func TestLogTradeAndUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	sessionID, _ := s.CreateSession()
	price := 42
	tradeID, err := s.LogTrade(sessionID, nil, "kalshi", "A-YES", "buy", "yes", 10, &price, "limit", nil)
	if err != nil {
		t.Fatalf("LogTrade: %v", err)
	}
	if tradeID == 0 {
		t.Fatal("tradeID is 0")
	}

	if err := s.UpdateTradeStatus(tradeID, "filled", map[string]any{"fill_price": 42}); err != nil {
		t.Fatalf("UpdateTradeStatus: %v", err)
	}
}

func TestGetUnloggedSessionsFindsSessionsWithoutSummary(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	withLog, _ := s.CreateSession()
	withoutLog, _ := s.CreateSession()

	if _, err := s.LogSessionSummary(withLog, "wrapped up cleanly", false); err != nil {
		t.Fatalf("LogSessionSummary: %v", err)
	}

	unlogged, err := s.GetUnloggedSessions()
	if err != nil {
		t.Fatalf("GetUnloggedSessions: %v", err)
	}
	if len(unlogged) != 1 || unlogged[0] != withoutLog {
		t.Errorf("unlogged sessions = %v, want only %q", unlogged, withoutLog)
	}
}

func TestBuildSessionContextCollatesPriorSummaryPendingAndTrades(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	prior, _ := s.CreateSession()
	s.LogSessionSummary(prior, "prior session summary", false)

	current, _ := s.CreateSession()
	legs := []Leg{{Exchange: "kalshi", MarketID: "A", Action: "buy", Side: "yes", Quantity: 1, PriceCents: 50}}
	s.CreateRecommendationGroup(current, "", "", "", 0, legs, time.Hour)
	price := 50
	s.LogTrade(current, nil, "kalshi", "A", "buy", "yes", 1, &price, "limit", nil)

	ctx, err := s.BuildSessionContext(current)
	if err != nil {
		t.Fatalf("BuildSessionContext: %v", err)
	}
	if ctx.LastSessionSummary != "prior session summary" {
		t.Errorf("last summary = %q", ctx.LastSessionSummary)
	}
	if len(ctx.PendingGroups) != 1 {
		t.Errorf("pending groups len = %d, want 1", len(ctx.PendingGroups))
	}
	if len(ctx.UnreconciledTrades) != 1 {
		t.Errorf("unreconciled trades len = %d, want 1", len(ctx.UnreconciledTrades))
	}
}

func TestUpsertEventKeyedByTickerAndExchange(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	if err := s.UpsertEvent("EVT-1", "kalshi", "SER-1", "Title A", "econ", true, "[]"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertEvent("EVT-1", "kalshi", "SER-1", "Title B", "econ", true, "[]"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var title string
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_ticker = ? AND exchange = ?`, "EVT-1", "kalshi").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1 (upsert should not duplicate)", count)
	}
	if err := s.db.QueryRow(`SELECT title FROM events WHERE event_ticker = ? AND exchange = ?`, "EVT-1", "kalshi").Scan(&title); err != nil {
		t.Fatalf("title query: %v", err)
	}
	if title != "Title B" {
		t.Errorf("title = %q, want Title B (upsert should refresh)", title)
	}
}

func TestQueryRejectsNonSelectStatements(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	_, err := s.Query(`DELETE FROM sessions`)
	if err == nil {
		t.Fatal("expected rejection of DELETE statement")
	}
	var rejected *ErrQueryRejected
	if _, ok := err.(*ErrQueryRejected); !ok {
		t.Errorf("err type = %T, want *ErrQueryRejected", err)
	}
	_ = rejected
}

func TestQueryAllowsSelectAndWith(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()

	s.CreateSession()

	if _, err := s.Query(`SELECT id FROM sessions`); err != nil {
		t.Errorf("SELECT rejected: %v", err)
	}
	if _, err := s.Query(`WITH x AS (SELECT id FROM sessions) SELECT * FROM x`); err != nil {
		t.Errorf("WITH rejected: %v", err)
	}
}
