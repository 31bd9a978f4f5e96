package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MessageKind is the commit-reveal phase a message belongs to
type MessageKind string

const (
	KindCommit MessageKind = "commit"
	KindReveal MessageKind = "reveal"
)

var ErrInvalidMessage = errors.New("invalid oracle message")

// PriceMessage is a parsed oracle message. Commitment is set for commits;
// Price and Salt for reveals.
type PriceMessage struct {
	Kind       MessageKind
	AssetID    string
	Commitment [32]byte
	Price      *uint256.Int
	Salt       []byte
	Sequence   int64
	Timestamp  time.Time
}

// ParseRawEvent converts a RawEvent into a PriceMessage of the given kind.
// When the subject carries an asset token it must agree with the payload.
func ParseRawEvent(raw RawEvent, kind MessageKind) (*PriceMessage, error) {
	var (
		msg *PriceMessage
		err error
	)
	switch kind {
	case KindCommit:
		msg, err = parseCommit(raw.Data)
	case KindReveal:
		msg, err = parseReveal(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	if err != nil {
		return nil, err
	}

	if asset := subjectAsset(raw.Subject); asset != "" && asset != msg.AssetID {
		return nil, fmt.Errorf("%w: subject asset %s, payload asset %s", ErrInvalidMessage, asset, msg.AssetID)
	}
	return msg, nil
}

// subjectAsset returns the last token of perp.oracle.<phase>.<asset>
func subjectAsset(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "perp" || parts[1] != "oracle" {
		return ""
	}
	return parts[3]
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Prices are decimal
// strings so no precision is lost in transit.

type commitJSON struct {
	Asset       string `json:"asset"`
	Commitment  string `json:"commitment"` // hex sha256(price32 || salt)
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCommit(data []byte) (*PriceMessage, error) {
	var j commitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse commit: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("%w: missing asset", ErrInvalidMessage)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(j.Commitment, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse commitment: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: commitment is %d bytes", ErrInvalidMessage, len(raw))
	}

	msg := &PriceMessage{
		Kind:      KindCommit,
		AssetID:   j.Asset,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}
	copy(msg.Commitment[:], raw)
	return msg, nil
}

type revealJSON struct {
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	Salt        string          `json:"salt"` // hex
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseReveal(data []byte) (*PriceMessage, error) {
	var j revealJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse reveal: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("%w: missing asset", ErrInvalidMessage)
	}
	if !j.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidMessage, j.Price)
	}
	price, err := fpmath.FromDecimal(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	salt, err := hex.DecodeString(strings.TrimPrefix(j.Salt, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse salt: %w", err)
	}

	return &PriceMessage{
		Kind:      KindReveal,
		AssetID:   j.Asset,
		Price:     price,
		Salt:      salt,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}
