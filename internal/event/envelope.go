package event

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeMarginAdded
	EventTypeMarginRemoved
	EventTypeLiquidated
	EventTypeFundingAccrued
	EventTypeFundingSettled
	EventTypeFeeRouted
)

// EventEnvelope wraps every event leaving the engine
type EventEnvelope struct {
	ID uuid.UUID

	// Monotonic sequence assigned by the engine
	Sequence int64

	// Client request id of the operation that produced the event, if any
	IdempotencyKey string

	EventType EventType

	MarketID string

	// Operation time from the engine clock
	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 chain over committed state
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	EventType() EventType
	Market() string
}

// Digest is the canonical byte string chained into StateHash
func (e *EventEnvelope) Digest() []byte {
	buf := make([]byte, 0, 4+len(e.MarketID)+len(e.IdempotencyKey)+len(e.Payload)+8)
	buf = append(buf, byte(e.EventType>>24), byte(e.EventType>>16), byte(e.EventType>>8), byte(e.EventType))
	buf = append(buf, byte(len(e.MarketID)))
	buf = append(buf, e.MarketID...)
	buf = append(buf, byte(len(e.IdempotencyKey)))
	buf = append(buf, e.IdempotencyKey...)
	ts := e.Timestamp.UnixMicro()
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(ts>>(8*i)))
	}
	return append(buf, e.Payload...)
}

// NewEnvelope encodes evt. Sequence and hashes are filled in by the engine.
func NewEnvelope(evt Event, at time.Time) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		ID:        uuid.New(),
		EventType: evt.EventType(),
		MarketID:  evt.Market(),
		Timestamp: at,
		Payload:   payload,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeMarginAdded:
		return "MarginAdded"
	case EventTypeMarginRemoved:
		return "MarginRemoved"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeFundingAccrued:
		return "FundingAccrued"
	case EventTypeFundingSettled:
		return "FundingSettled"
	case EventTypeFeeRouted:
		return "FeeRouted"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String
func ParseEventType(s string) EventType {
	for et := EventTypePositionOpened; et <= EventTypeFeeRouted; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// Dec renders an unsigned WAD value for payloads
func Dec(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return fpmath.ToDecimal(x)
}

// SDec renders a signed WAD value for payloads
func SDec(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return fpmath.SignedToDecimal(x)
}
