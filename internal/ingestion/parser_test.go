package ingestion_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func commitPayload(asset string, commitment [32]byte, seq int64, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"asset":        asset,
		"commitment":   hex.EncodeToString(commitment[:]),
		"sequence":     seq,
		"timestamp_us": at.UnixMicro(),
	}
}

func revealPayload(asset, price string, salt []byte, seq int64, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"asset":        asset,
		"price":        price,
		"salt":         hex.EncodeToString(salt),
		"sequence":     seq,
		"timestamp_us": at.UnixMicro(),
	}
}

// ============================================================================
// Test: Parsing
// ============================================================================

func TestParseCommit(t *testing.T) {
	commitment := oracle.Commitment(testutil.W(2000), []byte("salt"))
	raw := rawFromJSON(t, "perp.oracle.commit.ETH-PERP", commitPayload("ETH-PERP", commitment, 42, t0))

	msg, err := ingestion.ParseRawEvent(raw, ingestion.KindCommit)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.AssetID != "ETH-PERP" {
		t.Errorf("asset: got %s, want ETH-PERP", msg.AssetID)
	}
	if msg.Commitment != commitment {
		t.Errorf("commitment: got %x, want %x", msg.Commitment, commitment)
	}
	if msg.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", msg.Sequence)
	}
	if !msg.Timestamp.Equal(t0) {
		t.Errorf("timestamp: got %s, want %s", msg.Timestamp, t0)
	}
}

func TestParseReveal(t *testing.T) {
	raw := rawFromJSON(t, "perp.oracle.reveal.ETH-PERP", revealPayload("ETH-PERP", "1999.125", []byte{1, 2, 3}, 7, t0))

	msg, err := ingestion.ParseRawEvent(raw, ingestion.KindReveal)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	testutil.RequireEqual(t, "price", msg.Price, testutil.MustWad(t, "1999.125"))
	if string(msg.Salt) != string([]byte{1, 2, 3}) {
		t.Errorf("salt: got %x", msg.Salt)
	}
}

func TestParse_Invalid(t *testing.T) {
	good := oracle.Commitment(testutil.W(1), nil)
	tests := []struct {
		name    string
		subject string
		kind    ingestion.MessageKind
		payload map[string]interface{}
	}{
		{"short commitment", "perp.oracle.commit.ETH-PERP", ingestion.KindCommit,
			map[string]interface{}{"asset": "ETH-PERP", "commitment": "abcd"}},
		{"commitment not hex", "perp.oracle.commit.ETH-PERP", ingestion.KindCommit,
			map[string]interface{}{"asset": "ETH-PERP", "commitment": "zz"}},
		{"missing asset", "perp.oracle.commit.ETH-PERP", ingestion.KindCommit,
			commitPayload("", good, 1, t0)},
		{"subject asset mismatch", "perp.oracle.commit.BTC-PERP", ingestion.KindCommit,
			commitPayload("ETH-PERP", good, 1, t0)},
		{"zero price", "perp.oracle.reveal.ETH-PERP", ingestion.KindReveal,
			revealPayload("ETH-PERP", "0", nil, 1, t0)},
		{"negative price", "perp.oracle.reveal.ETH-PERP", ingestion.KindReveal,
			revealPayload("ETH-PERP", "-5", nil, 1, t0)},
		{"too many decimals", "perp.oracle.reveal.ETH-PERP", ingestion.KindReveal,
			revealPayload("ETH-PERP", "1.0000000000000000001", nil, 1, t0)},
		{"unknown kind", "perp.oracle.other.ETH-PERP", ingestion.MessageKind("other"),
			commitPayload("ETH-PERP", good, 1, t0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawFromJSON(t, tt.subject, tt.payload)
			if _, err := ingestion.ParseRawEvent(raw, tt.kind); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestKindForSubject(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	tests := []struct {
		subject string
		want    ingestion.MessageKind
		ok      bool
	}{
		{"perp.oracle.commit.ETH-PERP", ingestion.KindCommit, true},
		{"perp.oracle.reveal.BTC-PERP", ingestion.KindReveal, true},
		{"perp.prices.ETH-PERP", "", false},
	}
	for _, tt := range tests {
		got, ok := ingestion.KindForSubject(tt.subject, subjects)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KindForSubject(%s) = %q, %v; want %q, %v", tt.subject, got, ok, tt.want, tt.ok)
		}
	}
}

// ============================================================================
// Test: Sequencing
// ============================================================================

func TestSequenceValidator(t *testing.T) {
	sv := ingestion.NewSequenceValidator()

	steps := []struct {
		seq   int64
		apply bool
	}{
		{1, true},
		{2, true},
		{2, false}, // replay
		{5, true},  // gap tolerated
		{3, false}, // behind the gap
		{0, true},  // unsequenced
		{6, true},
	}
	for _, s := range steps {
		if got := sv.ValidatePriceSequence("ETH-PERP", ingestion.KindReveal, s.seq); got != s.apply {
			t.Fatalf("seq %d: apply = %v, want %v", s.seq, got, s.apply)
		}
	}

	if got := sv.GetExpectedSequence("ETH-PERP", ingestion.KindReveal); got != 7 {
		t.Errorf("expected next = %d, want 7", got)
	}
	if got := sv.Metrics().GetGaps("ETH-PERP", ingestion.KindReveal); got != 1 {
		t.Errorf("gaps = %d, want 1", got)
	}
	if got := sv.Metrics().GetStale("ETH-PERP", ingestion.KindReveal); got != 2 {
		t.Errorf("stale = %d, want 2", got)
	}
	// phases are ordered independently
	if got := sv.GetExpectedSequence("ETH-PERP", ingestion.KindCommit); got != 0 {
		t.Errorf("commit partition = %d, want 0", got)
	}
}

// ============================================================================
// Test: Processing into the feed
// ============================================================================

func TestPriceProcessor_CommitThenReveal(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(5 * time.Minute)
	pp := ingestion.NewPriceProcessor(feed, ingestion.DefaultSubjects(), nil)

	salt := []byte("pepper")
	commitment := oracle.Commitment(testutil.MustWad(t, "2001.5"), salt)

	acks := 0
	handle := func(subject string, payload map[string]interface{}) {
		raw := rawFromJSON(t, subject, payload)
		raw.AckFunc = func() { acks++ }
		pp.Handle(raw)
	}

	handle("perp.oracle.commit.ETH-PERP", commitPayload("ETH-PERP", commitment, 1, t0))
	if got := feed.State("ETH-PERP", t0); got != oracle.RoundCommitted {
		t.Fatalf("state after commit = %s", got)
	}

	// a reveal that doesn't match the commitment leaves the round open
	handle("perp.oracle.reveal.ETH-PERP", revealPayload("ETH-PERP", "1500", salt, 1, t0.Add(time.Second)))
	if _, err := feed.GetPrice("ETH-PERP"); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("mismatched reveal published a price: %v", err)
	}

	handle("perp.oracle.reveal.ETH-PERP", revealPayload("ETH-PERP", "2001.5", salt, 2, t0.Add(2*time.Second)))
	p, err := feed.GetPrice("ETH-PERP")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	testutil.RequireEqual(t, "price", p.Value, testutil.MustWad(t, "2001.5"))
	if !p.UpdatedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("updated at %s", p.UpdatedAt)
	}
	if acks != 3 {
		t.Errorf("acks = %d, want 3", acks)
	}
}

func TestPriceProcessor_DropsStaleReveal(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(5 * time.Minute)
	pp := ingestion.NewPriceProcessor(feed, ingestion.DefaultSubjects(), nil)
	pp.Sequences().SetExpectedSequence("ETH-PERP", ingestion.KindCommit, 10)

	commitment := oracle.Commitment(testutil.W(2000), nil)
	pp.Handle(rawFromJSON(t, "perp.oracle.commit.ETH-PERP", commitPayload("ETH-PERP", commitment, 9, t0)))

	if got := feed.State("ETH-PERP", t0); got != oracle.RoundIdle {
		t.Fatalf("stale commit applied: state %s", got)
	}
}

func TestManualIngest_RoundTrip(t *testing.T) {
	rawChan := make(chan ingestion.RawEvent, 2)
	svc := ingestion.NewManualIngestService(rawChan)
	feed := oracle.NewCommitRevealFeed(time.Hour)
	pp := ingestion.NewPriceProcessor(feed, ingestion.DefaultSubjects(), nil)

	salt := []byte("s")
	price := testutil.W(1850)
	ctx := context.Background()
	if err := svc.InjectCommit(ctx, "ETH-PERP", oracle.Commitment(price, salt)); err != nil {
		t.Fatalf("inject commit: %v", err)
	}
	pp.Handle(<-rawChan)
	if err := svc.InjectReveal(ctx, "ETH-PERP", price, salt); err != nil {
		t.Fatalf("inject reveal: %v", err)
	}
	pp.Handle(<-rawChan)

	p, err := feed.GetPrice("ETH-PERP")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	testutil.RequireEqual(t, "price", p.Value, price)
}

// ============================================================================
// Test: Outbound wire form
// ============================================================================

func TestPublishableEvent(t *testing.T) {
	env, err := event.NewEnvelope(&event.MarginAdded{
		MarketID: "ETH-PERP",
		UserID:   uuid.New(),
		Amount:   event.Dec(testutil.W(5)),
		Margin:   event.Dec(testutil.W(105)),
	}, t0)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Sequence = 12
	env.StateHash[0] = 0xAB

	if got := ingestion.Subject(env); got != "perp.vamm.events.MarginAdded.ETH-PERP" {
		t.Errorf("subject = %s", got)
	}

	data, err := json.Marshal(ingestion.NewPublishableEvent(env))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event_type"] != "MarginAdded" {
		t.Errorf("event_type = %v", decoded["event_type"])
	}
	if decoded["sequence"] != float64(12) {
		t.Errorf("sequence = %v", decoded["sequence"])
	}
	payload, ok := decoded["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload is %T, want an object", decoded["payload"])
	}
	if payload["market_id"] != "ETH-PERP" {
		t.Errorf("payload market_id = %v", payload["market_id"])
	}
}
