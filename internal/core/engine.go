package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/market"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"

	"github.com/rs/zerolog"
)

// Clock supplies operation timestamps
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds protocol-level engine settings
type Config struct {
	// Oracle prices older than this are rejected. Zero disables the check.
	OracleMaxAge time.Duration

	// Window for the TWAP reported in market views
	TwapWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		OracleMaxAge: 5 * time.Minute,
		TwapWindow:   15 * time.Minute,
	}
}

// Deps are the collaborators an Engine is built from. Registry, Positions,
// Ledger, Feed and Fees are required.
type Deps struct {
	Registry    market.Registry
	Positions   *state.PositionStore
	Ledger      ledger.Ledger
	Feed        oracle.PriceFeed
	Fees        *state.FeeDistributor
	Clock       Clock
	Idempotency *IdempotencyChecker
	Metrics     *observability.Metrics
	Logger      *zerolog.Logger

	// Persist receives every envelope with a blocking send; Projection gets
	// a non-blocking send and drops on full. Either may be nil.
	Persist    chan<- *event.EventEnvelope
	Projection chan<- *event.EventEnvelope
}

// Engine is the margin and liquidation engine. Operations on one market run
// one at a time; different markets proceed in parallel.
type Engine struct {
	cfg Config

	registry    market.Registry
	positions   *state.PositionStore
	ledger      ledger.Ledger
	feed        oracle.PriceFeed
	fees        *state.FeeDistributor
	insurance   *state.InsuranceFund
	clock       Clock
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	emitMu   sync.Mutex
	emitTurn *sync.Cond
	reserved uint64 // last ticket handed out
	turn     uint64 // ticket allowed to emit next
	sequence int64
	hasher   *StateHasher

	persistChan    chan<- *event.EventEnvelope
	projectionChan chan<- *event.EventEnvelope
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Positions == nil || deps.Ledger == nil || deps.Feed == nil || deps.Fees == nil {
		return nil, errors.New("engine needs a registry, position store, ledger, price feed and fee distributor")
	}
	e := &Engine{
		cfg:            cfg,
		registry:       deps.Registry,
		positions:      deps.Positions,
		ledger:         deps.Ledger,
		feed:           deps.Feed,
		fees:           deps.Fees,
		insurance:      deps.Fees.Fund(),
		clock:          deps.Clock,
		idempotency:    deps.Idempotency,
		metrics:        deps.Metrics,
		locks:          make(map[string]*sync.Mutex),
		hasher:         NewStateHasher(),
		persistChan:    deps.Persist,
		projectionChan: deps.Projection,
		turn:           1,
	}
	e.emitTurn = sync.NewCond(&e.emitMu)
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.idempotency == nil {
		e.idempotency = NewIdempotencyChecker(100_000, nil)
	}
	if deps.Logger != nil {
		e.logger = *deps.Logger
	} else {
		e.logger = observability.NewLogger("core")
	}
	return e, nil
}

// Resume continues the event sequence and hash chain from persisted state
func (e *Engine) Resume(lastSequence int64, tip [32]byte) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.sequence = lastSequence
	e.hasher = ResumeStateHasher(tip)
}

// --- Exclusive execution ---

type execKey struct{}

// enter marks ctx as inside an engine operation. A context that already
// carries the mark belongs to a call chain the engine is executing, such as
// a ledger transfer callback, and is rejected.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(execKey{}) == e {
		if e.metrics != nil {
			e.metrics.ReentryBlock.Inc()
		}
		return ctx, ErrReentrant
	}
	return context.WithValue(ctx, execKey{}, e), nil
}

// lock acquires the market's exclusive section and returns its release
func (e *Engine) lock(marketID string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[marketID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[marketID] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// activeMarket resolves id and refuses paused markets. The pause flag is
// only written under the market lock, so it is read under it too.
func (e *Engine) activeMarket(id string) (*market.Market, error) {
	m, err := e.registry.GetMarket(id)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(m.ID)
	paused := m.Paused
	unlock()
	if paused {
		return nil, fmt.Errorf("%w: %s", ErrMarketPaused, id)
	}
	return m, nil
}

// --- Events ---

// reserve hands out the next emission ticket. It is taken inside the
// exclusive section, so operations on one market emit in commit order.
func (e *Engine) reserve() uint64 {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.reserved++
	return e.reserved
}

// emit sequences, hashes and fans out the events of one committed operation.
// It waits for every earlier ticket; a scope without a ticket emits nothing.
func (e *Engine) emit(s *opScope, requestKey string, events []event.Event) {
	if s == nil || s.ticket == 0 {
		return
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	for e.turn != s.ticket {
		e.emitTurn.Wait()
	}
	defer func() {
		e.turn++
		e.emitTurn.Broadcast()
	}()

	at := s.now
	for _, evt := range events {
		env, err := event.NewEnvelope(evt, at)
		if err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		e.sequence++
		env.Sequence = e.sequence
		env.IdempotencyKey = requestKey
		env.PrevHash, env.StateHash = e.hasher.ComputeHash(env.Sequence, env.Digest())

		if e.persistChan != nil {
			e.persistChan <- env
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- env:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
				}
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EventSeq.Set(float64(e.sequence))
	}
}

// Sequence returns the last assigned event sequence
func (e *Engine) Sequence() int64 {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	return e.sequence
}

// StateHash returns the tip of the envelope hash chain
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// --- Metrics ---

// observe records the outcome of an operation
func (e *Engine) observe(op string, start time.Time, err error) {
	if err != nil {
		cat := Classify(err)
		e.logger.Warn().Str("op", op).Str("category", string(cat)).Err(err).Msg("operation rejected")
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, string(cat)).Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) rolledBack(op string) {
	if e.metrics != nil {
		e.metrics.Rollbacks.WithLabelValues(op).Inc()
	}
}

func (e *Engine) transferFailed(kind string, err error) {
	e.logger.Error().Str("kind", kind).Err(err).Msg("custody transfer failed")
	if e.metrics != nil {
		e.metrics.TransferFailures.WithLabelValues(kind).Inc()
	}
}
