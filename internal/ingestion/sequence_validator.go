package ingestion

import (
	"fmt"
)

// SequenceValidator orders oracle messages per asset and phase. Price
// streams tolerate gaps but never go backwards.
// Not thread-safe; only the price processor goroutine uses it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

func partitionKey(assetID string, kind MessageKind) string {
	return fmt.Sprintf("%s:%s", kind, assetID)
}

// ValidatePriceSequence reports whether a message should be applied. Stale
// and replayed sequences are dropped; gaps are counted and accepted.
// Sequence 0 marks an unsequenced message, which is always applied.
func (sv *SequenceValidator) ValidatePriceSequence(assetID string, kind MessageKind, seq int64) bool {
	if seq == 0 {
		return true
	}
	partition := partitionKey(assetID, kind)
	expected := sv.expectedNextSeq[partition]

	if seq < expected {
		sv.metrics.RecordStale(partition)
		return false
	}
	if expected > 0 && seq > expected {
		sv.metrics.RecordGap(partition, expected, seq)
	}

	sv.expectedNextSeq[partition] = seq + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(assetID string, kind MessageKind) int64 {
	return sv.expectedNextSeq[partitionKey(assetID, kind)]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(assetID string, kind MessageKind, seq int64) {
	sv.expectedNextSeq[partitionKey(assetID, kind)] = seq
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats. Not thread-safe.
type SequenceMetrics struct {
	gaps  map[string]int64 // partition -> gap count
	stale map[string]int64 // partition -> dropped count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordStale(partition string) {
	m.stale[partition]++
}

func (m *SequenceMetrics) GetGaps(assetID string, kind MessageKind) int64 {
	return m.gaps[partitionKey(assetID, kind)]
}

func (m *SequenceMetrics) GetStale(assetID string, kind MessageKind) int64 {
	return m.stale[partitionKey(assetID, kind)]
}
