package ingestion

import (
	"context"
	"time"

	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// PriceSink receives commit-reveal rounds; oracle.CommitRevealFeed is the
// production implementation.
type PriceSink interface {
	Commit(assetID string, commitment [32]byte, at time.Time) error
	Reveal(assetID string, price *uint256.Int, salt []byte, at time.Time) error
}

// PriceProcessor parses raw oracle messages, orders them per asset and
// applies them to the feed. Every message is acked once handled: invalid or
// rejected messages are not redelivered.
type PriceProcessor struct {
	sink      PriceSink
	subjects  []SubjectConfig
	sequences *SequenceValidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPriceProcessor(sink PriceSink, subjects []SubjectConfig, metrics *observability.Metrics) *PriceProcessor {
	return &PriceProcessor{
		sink:      sink,
		subjects:  subjects,
		sequences: NewSequenceValidator(),
		metrics:   metrics,
		logger:    observability.NewLogger("oracle-ingest"),
	}
}

// Run drains rawChan until it closes or ctx is cancelled
func (pp *PriceProcessor) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			pp.Handle(raw)
		}
	}
}

// Handle processes one message and acks it
func (pp *PriceProcessor) Handle(raw RawEvent) {
	defer func() {
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
	}()

	kind, ok := KindForSubject(raw.Subject, pp.subjects)
	if !ok {
		pp.logger.Warn().Str("subject", raw.Subject).Msg("unknown oracle subject")
		return
	}
	msg, err := ParseRawEvent(raw, kind)
	if err != nil {
		pp.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse oracle message failed")
		pp.reject(subjectAsset(raw.Subject), kind)
		return
	}
	if !pp.sequences.ValidatePriceSequence(msg.AssetID, kind, msg.Sequence) {
		pp.logger.Debug().
			Str("asset", msg.AssetID).
			Str("phase", string(kind)).
			Int64("sequence", msg.Sequence).
			Msg("stale oracle message dropped")
		return
	}

	at := msg.Timestamp
	if msg.Timestamp.UnixMicro() == 0 {
		at = raw.Timestamp
	}

	switch kind {
	case KindCommit:
		err = pp.sink.Commit(msg.AssetID, msg.Commitment, at)
	case KindReveal:
		err = pp.sink.Reveal(msg.AssetID, msg.Price, msg.Salt, at)
	}
	if err != nil {
		pp.logger.Warn().Err(err).Str("asset", msg.AssetID).Str("phase", string(kind)).Msg("oracle message rejected")
		pp.reject(msg.AssetID, kind)
		return
	}

	if pp.metrics != nil {
		pp.metrics.OracleUpdates.WithLabelValues(msg.AssetID, string(kind)).Inc()
	}
	if kind == KindReveal {
		pp.logger.Info().
			Str("asset", msg.AssetID).
			Str("price", fpmath.ToDecimal(msg.Price).String()).
			Time("at", at).
			Msg("oracle price revealed")
	}
}

// Sequences exposes the validator for recovery and inspection
func (pp *PriceProcessor) Sequences() *SequenceValidator {
	return pp.sequences
}

func (pp *PriceProcessor) reject(assetID string, kind MessageKind) {
	if pp.metrics != nil {
		pp.metrics.OracleRejected.WithLabelValues(assetID, string(kind)).Inc()
	}
}
