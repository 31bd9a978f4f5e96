package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	fpmath "PerpVAMM/internal/math"

	"github.com/holiman/uint256"
)

// ManualIngestService lets an operator push oracle messages through the
// same path as JetStream, for bootstrapping and incident handling. Injected
// messages are unsequenced and do not disturb the producer's ordering.
type ManualIngestService struct {
	rawChan chan<- RawEvent
}

func NewManualIngestService(rawChan chan<- RawEvent) *ManualIngestService {
	return &ManualIngestService{rawChan: rawChan}
}

// InjectCommit queues a commitment for assetID
func (s *ManualIngestService) InjectCommit(ctx context.Context, assetID string, commitment [32]byte) error {
	now := time.Now()
	data, err := json.Marshal(commitJSON{
		Asset:       assetID,
		Commitment:  hex.EncodeToString(commitment[:]),
		TimestampUs: now.UnixMicro(),
	})
	if err != nil {
		return err
	}
	return s.send(ctx, KindCommit, assetID, data)
}

// InjectReveal queues the reveal of an earlier commitment
func (s *ManualIngestService) InjectReveal(ctx context.Context, assetID string, price *uint256.Int, salt []byte) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidMessage)
	}
	now := time.Now()
	data, err := json.Marshal(revealJSON{
		Asset:       assetID,
		Price:       fpmath.ToDecimal(price),
		Salt:        hex.EncodeToString(salt),
		TimestampUs: now.UnixMicro(),
	})
	if err != nil {
		return err
	}
	return s.send(ctx, KindReveal, assetID, data)
}

func (s *ManualIngestService) send(ctx context.Context, kind MessageKind, assetID string, data []byte) error {
	raw := RawEvent{
		Subject:   fmt.Sprintf("perp.oracle.%s.%s", kind, assetID),
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case s.rawChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
