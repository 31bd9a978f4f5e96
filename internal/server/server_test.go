package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/market"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/server"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"
	"PerpVAMM/internal/vamm"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	srv      *server.Server
	engine   *core.Engine
	ledger   *ledger.MemoryLedger
	dir      *auth.Directory
	hub      *server.WSHub
	events   chan *event.EventEnvelope
	handler  http.Handler
	treasury uuid.UUID
}

// newTestEnv serves one ETH-PERP market at mark 2000 with a 10 bps fee
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:   ledger.NewMemoryLedger(),
		dir:      auth.NewDirectory(),
		events:   make(chan *event.EventEnvelope, 1024),
		treasury: uuid.New(),
	}

	registry := market.NewMemoryRegistry()
	pool, err := vamm.NewPool(vamm.Config{
		BaseReserve:          testutil.W(1000),
		QuoteReserve:         testutil.W(2_000_000),
		KFunding:             testutil.W(1),
		MaxFundingBpsPerHour: 100,
		StartTime:            t0,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := registry.Register(&market.Market{
		ID:        "ETH-PERP",
		Token:     "USDC",
		FeedAsset: "ETH",
		FeeBps:    10,
		Risk:      state.DefaultRiskParams(),
		Pool:      pool,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	feed := oracle.NewStaticFeed()
	feed.Set("ETH", testutil.W(2000), t0)
	fees, err := state.NewFeeDistributor(env.ledger, state.NewInsuranceFund(), env.treasury, 3_000)
	if err != nil {
		t.Fatalf("fee distributor: %v", err)
	}
	logger := observability.NewNopLogger()
	env.engine, err = core.NewEngine(core.DefaultConfig(), core.Deps{
		Registry:   registry,
		Positions:  state.NewPositionStore(),
		Ledger:     env.ledger,
		Feed:       feed,
		Fees:       fees,
		Clock:      testutil.NewFakeClock(t0),
		Logger:     &logger,
		Projection: env.events,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	env.hub = server.NewWSHub(nil)
	env.srv = server.New(":0", server.Deps{
		Engine:  env.engine,
		Markets: registry,
		Dir:     env.dir,
		Query:   query.NewQueryService(nil, env.engine, env.ledger, nil),
		Wallets: env.ledger,
		Hub:     env.hub,
		Health:  observability.NewHealthChecker(),
	})
	env.handler = env.srv.Handler()
	return env
}

func (env *testEnv) trader(t *testing.T, balance uint64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := env.ledger.Deposit(id, "USDC", testutil.W(balance)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return id
}

func (env *testEnv) withRole(role auth.Role) uuid.UUID {
	id := uuid.New()
	env.dir.Grant(id, role)
	return id
}

func (env *testEnv) do(t *testing.T, method, path string, caller uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != uuid.Nil {
		req.Header.Set(server.CallerHeader, caller.String())
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func openLong(requestID string) map[string]string {
	return map[string]string{
		"request_id": requestID,
		"side":       "long",
		"size":       "1",
		"margin":     "500",
	}
}

// ============================================================================
// Test: trading round trip
// ============================================================================

func TestOpenThenReadPosition(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)

	w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("r-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("open: status %d body %s", w.Code, w.Body.String())
	}
	var opened server.OpenResponse
	decode(t, w, &opened)
	if opened.Position.Side != "long" || opened.Position.Size != "1" {
		t.Errorf("opened position = %+v", opened.Position)
	}
	if opened.Sequence == 0 {
		t.Error("open should report a committed sequence")
	}

	w = env.do(t, http.MethodGet, "/api/v1/markets/ETH-PERP/positions/"+alice.String(), uuid.Nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: status %d body %s", w.Code, w.Body.String())
	}
	var pos server.PositionResponse
	decode(t, w, &pos)
	if pos.UserID != alice || pos.Status != "Healthy" {
		t.Errorf("position = %+v", pos)
	}

	w = env.do(t, http.MethodGet, "/api/v1/users/"+alice.String()+"/positions", uuid.Nil, nil)
	var all []map[string]interface{}
	decode(t, w, &all)
	if len(all) != 1 {
		t.Errorf("user positions = %v", all)
	}

	w = env.do(t, http.MethodGet, "/api/v1/markets/ETH-PERP/positions/"+alice.String()+"/liquidatable", uuid.Nil, nil)
	var liq map[string]interface{}
	decode(t, w, &liq)
	if w.Code != http.StatusOK || liq["liquidatable"] != false {
		t.Errorf("liquidatable: status %d body %v", w.Code, liq)
	}

	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/close", alice, map[string]string{"request_id": "r-2"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: status %d body %s", w.Code, w.Body.String())
	}
	var closed server.CloseResponse
	decode(t, w, &closed)
	if closed.Position.Side != "flat" || closed.ClosedSize.String() != "1" {
		t.Errorf("closed = %+v", closed)
	}

	w = env.do(t, http.MethodGet, "/api/v1/markets/ETH-PERP/positions/"+alice.String(), uuid.Nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("flat position: status %d, want 404", w.Code)
	}
}

func TestMarginEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("")); w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/margin/add", alice, map[string]string{"amount": "100"})
	if w.Code != http.StatusOK {
		t.Fatalf("add margin: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/margin/remove", alice, map[string]string{"amount": "50"})
	if w.Code != http.StatusOK {
		t.Fatalf("remove margin: %d %s", w.Code, w.Body.String())
	}

	// far more than the position holds
	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/margin/remove", alice, map[string]string{"amount": "5000"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("over-remove: status %d, want 400: %s", w.Code, w.Body.String())
	}
}

// ============================================================================
// Test: request validation and error mapping
// ============================================================================

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)
	trader := env.trader(t, 10)

	tests := []struct {
		name   string
		method string
		path   string
		caller uuid.UUID
		body   interface{}
		want   int
	}{
		{"missing caller", http.MethodPost, "/api/v1/markets/ETH-PERP/open", uuid.Nil, openLong(""), http.StatusUnauthorized},
		{"negative size", http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice,
			map[string]string{"side": "long", "size": "-1", "margin": "500"}, http.StatusBadRequest},
		{"too many decimals", http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice,
			map[string]string{"side": "long", "size": "0.0000000000000000001", "margin": "500"}, http.StatusBadRequest},
		{"bad side", http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice,
			map[string]string{"side": "up", "size": "1", "margin": "500"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice,
			map[string]string{"side": "long", "size": "1", "leverage": "10"}, http.StatusBadRequest},
		{"unknown market", http.MethodPost, "/api/v1/markets/BTC-PERP/open", alice, openLong(""), http.StatusNotFound},
		{"insufficient margin", http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice,
			map[string]string{"side": "long", "size": "10", "margin": "250"}, http.StatusUnprocessableEntity},
		{"wallet too small", http.MethodPost, "/api/v1/markets/ETH-PERP/open", trader, openLong(""), http.StatusUnprocessableEntity},
		{"trader cannot liquidate", http.MethodPost, "/api/v1/markets/ETH-PERP/liquidate", alice,
			map[string]string{"user_id": uuid.New().String()}, http.StatusForbidden},
		{"close without position", http.MethodPost, "/api/v1/markets/ETH-PERP/close", alice, map[string]string{}, http.StatusNotFound},
		{"unknown market read", http.MethodGet, "/api/v1/markets/BTC-PERP", uuid.Nil, nil, http.StatusNotFound},
		{"bad user id", http.MethodGet, "/api/v1/users/not-a-uuid/positions", uuid.Nil, nil, http.StatusBadRequest},
		{"bad twap window", http.MethodGet, "/api/v1/markets/ETH-PERP/twap?window=soon", uuid.Nil, nil, http.StatusBadRequest},
		{"history backend missing", http.MethodGet, "/api/v1/markets/ETH-PERP/liquidations", uuid.Nil, nil, http.StatusServiceUnavailable},
		{"balance needs token", http.MethodGet, "/api/v1/users/" + alice.String() + "/balance", uuid.Nil, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.caller, tt.body)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			var body map[string]string
			decode(t, w, &body)
			if body["error"] == "" {
				t.Errorf("missing error message: %s", w.Body.String())
			}
		})
	}
}

func TestDuplicateRequestID(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)

	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("dup")); w.Code != http.StatusOK {
		t.Fatalf("first open: %d %s", w.Code, w.Body.String())
	}
	seq := env.engine.Sequence()
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("dup")); w.Code != http.StatusConflict {
		t.Fatalf("replayed open: status %d, want 409", w.Code)
	}
	if env.engine.Sequence() != seq {
		t.Error("replayed open emitted events")
	}
}

// ============================================================================
// Test: reads
// ============================================================================

func TestMarketReads(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/markets", uuid.Nil, nil)
	var markets []server.MarketResponse
	decode(t, w, &markets)
	if len(markets) != 1 || markets[0].ID != "ETH-PERP" {
		t.Fatalf("markets = %+v", markets)
	}
	m := markets[0]
	if m.MarkPrice != "2000" || m.Risk.IMRBps != 1_000 || m.Risk.MMRBps != 500 {
		t.Errorf("market = %+v", m)
	}

	w = env.do(t, http.MethodGet, "/api/v1/markets/ETH-PERP/twap?window=30m", uuid.Nil, nil)
	var twap map[string]string
	decode(t, w, &twap)
	if w.Code != http.StatusOK || twap["twap"] != "2000" || twap["window"] != "30m0s" {
		t.Errorf("twap: status %d body %v", w.Code, twap)
	}

	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/funding/poke", uuid.Nil, nil)
	var funding server.FundingResponse
	decode(t, w, &funding)
	if w.Code != http.StatusOK || funding.MarketID != "ETH-PERP" {
		t.Errorf("poke: status %d body %+v", w.Code, funding)
	}

	w = env.do(t, http.MethodGet, "/api/v1/insurance", uuid.Nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"balance"`) {
		t.Errorf("insurance: status %d body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/healthz", uuid.Nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/readyz", uuid.Nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: %d", w.Code)
	}
}

func TestBalance(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("")); w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodGet, "/api/v1/users/"+alice.String()+"/balance?token=USDC", uuid.Nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", w.Code, w.Body.String())
	}
	var bal query.BalanceResponse
	decode(t, w, &bal)
	if bal.Wallet != "9500" {
		t.Errorf("wallet = %s, want 9500", bal.Wallet)
	}
	if bal.MarginLocked == "0" || bal.AsOfSequence == 0 {
		t.Errorf("balance = %+v", bal)
	}
}

// ============================================================================
// Test: admin
// ============================================================================

func TestPauseBlocksTrading(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, 10_000)
	admin := env.withRole(auth.RoleAdmin)

	if w := env.do(t, http.MethodPost, "/api/v1/admin/markets/ETH-PERP/pause", alice, map[string]bool{"paused": true}); w.Code != http.StatusForbidden {
		t.Fatalf("trader pause: status %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/admin/markets/ETH-PERP/pause", admin, map[string]bool{"paused": true}); w.Code != http.StatusOK {
		t.Fatalf("admin pause: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("")); w.Code != http.StatusLocked {
		t.Fatalf("open while paused: status %d, want 423", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/v1/markets/ETH-PERP", uuid.Nil, nil)
	var m server.MarketResponse
	decode(t, w, &m)
	if !m.Paused {
		t.Error("market should read as paused")
	}

	if w := env.do(t, http.MethodPost, "/api/v1/admin/markets/ETH-PERP/pause", admin, map[string]bool{"paused": false}); w.Code != http.StatusOK {
		t.Fatalf("admin unpause: %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("")); w.Code != http.StatusOK {
		t.Fatalf("open after unpause: %d %s", w.Code, w.Body.String())
	}
}

func TestUpdateRisk(t *testing.T) {
	env := newTestEnv(t)
	admin := env.withRole(auth.RoleAdmin)

	invalid := map[string]interface{}{"imr_bps": 400, "mmr_bps": 500, "penalty_bps": 100, "min_size": "0.01"}
	if w := env.do(t, http.MethodPut, "/api/v1/admin/markets/ETH-PERP/risk", admin, invalid); w.Code != http.StatusBadRequest {
		t.Fatalf("mmr above imr: status %d, want 400", w.Code)
	}

	valid := map[string]interface{}{"imr_bps": 2000, "mmr_bps": 1000, "penalty_bps": 100, "min_size": "0.01", "penalty_cap": "500"}
	if w := env.do(t, http.MethodPut, "/api/v1/admin/markets/ETH-PERP/risk", admin, valid); w.Code != http.StatusOK {
		t.Fatalf("update risk: %d %s", w.Code, w.Body.String())
	}
	view, err := env.engine.MarketView("ETH-PERP")
	if err != nil {
		t.Fatalf("market view: %v", err)
	}
	if view.Risk.IMRBps != 2000 || view.Risk.MMRBps != 1000 {
		t.Errorf("risk = %+v", view.Risk)
	}
}

func TestOracleInjectionRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.withRole(auth.RoleAdmin)
	trader := env.trader(t, 1)

	body := map[string]string{"commitment": strings.Repeat("ab", 32)}
	if w := env.do(t, http.MethodPost, "/api/v1/admin/oracle/ETH/commit", trader, body); w.Code != http.StatusForbidden {
		t.Errorf("trader commit: status %d, want 403", w.Code)
	}
	// no ingest pipeline in this environment
	if w := env.do(t, http.MethodPost, "/api/v1/admin/oracle/ETH/commit", admin, body); w.Code != http.StatusServiceUnavailable {
		t.Errorf("admin commit: status %d, want 503", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/admin/integrity", admin, nil); w.Code != http.StatusOK {
		t.Errorf("integrity: status %d %s", w.Code, w.Body.String())
	}
}

func TestWalletAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.withRole(auth.RoleAdmin)
	user := env.trader(t, 100)
	path := "/api/v1/admin/wallets/" + user.String()

	if w := env.do(t, http.MethodPost, path+"/deposit", user, map[string]string{"token": "USDC", "amount": "50"}); w.Code != http.StatusForbidden {
		t.Errorf("self deposit: status %d, want 403", w.Code)
	}

	w := env.do(t, http.MethodPost, path+"/deposit", admin, map[string]string{"token": "USDC", "amount": "50"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["balance"] != "150" {
		t.Errorf("balance after deposit = %v, want 150", resp["balance"])
	}

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown token", map[string]string{"token": "DOGE", "amount": "1"}, http.StatusBadRequest},
		{"negative", map[string]string{"token": "USDC", "amount": "-1"}, http.StatusBadRequest},
		{"overdraw", map[string]string{"token": "USDC", "amount": "151"}, http.StatusUnprocessableEntity},
		{"ok", map[string]string{"token": "USDC", "amount": "150"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, path+"/withdraw", admin, tt.body)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if bal := env.ledger.Balance(user, "USDC"); !bal.IsZero() {
		t.Errorf("wallet left with %s", bal.Dec())
	}
}

// ============================================================================
// Test: WebSocket stream
// ============================================================================

func TestWebSocketStreamsMarketEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx, env.events)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?market=ETH-PERP"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	alice := env.trader(t, 10_000)
	if w := env.do(t, http.MethodPost, "/api/v1/markets/ETH-PERP/open", alice, openLong("")); w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg["market_id"] != "ETH-PERP" {
			t.Fatalf("message for another market: %v", msg)
		}
		if msg["event_type"] == "PositionOpened" {
			return
		}
	}
	t.Fatal("PositionOpened never streamed")
}
