package inherent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

// TimestampIdentifier is the identifier of the timestamp provider.
const TimestampIdentifier = "Timestamp"

// TimestampNowKey is the storage key of Timestamp::Now.
var TimestampNowKey = types.PlainStorageKey("Timestamp", "Now")

// Timestamp provides the Timestamp.set inherent. Each block is one slot duration after its parent.
type Timestamp struct {
	slots *SlotDurationDetector

	// now returns the wall clock, used when the parent has no timestamp.
	now func() time.Time

	logger *logging.Logger
}

// NewTimestamp creates a timestamp provider using the given slot duration detector.
func NewTimestamp(slots *SlotDurationDetector) *Timestamp {
	return &Timestamp{
		slots:  slots,
		now:    time.Now,
		logger: logging.GlobalLogger.NewSubLogger("module", logging.INHERENT_SERVICE),
	}
}

// Identifier implements Provider.
func (t *Timestamp) Identifier() string {
	return TimestampIdentifier
}

// Slots returns the slot duration detector of the provider.
func (t *Timestamp) Slots() *SlotDurationDetector {
	return t.slots
}

// CurrentTimestamp returns Timestamp::Now at parent in milliseconds, or the wall clock when it is not set.
func (t *Timestamp) CurrentTimestamp(ctx context.Context, parent *block.Block) (uint64, error) {
	value, found, err := parent.Get(ctx, TimestampNowKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return uint64(t.now().UnixMilli()), nil
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("Timestamp::Now holds %d bytes, expected a u64", len(value))
	}
	return binary.LittleEndian.Uint64(value), nil
}

// NextTimestamp returns the timestamp of the child of parent, one slot after the parent and saturating at the largest
// u64.
func (t *Timestamp) NextTimestamp(ctx context.Context, parent *block.Block, exec runtime.Caller) (uint64, error) {
	current, err := t.CurrentTimestamp(ctx, parent)
	if err != nil {
		return 0, err
	}
	next := current + t.slots.SlotDuration(ctx, parent, exec)
	if next < current {
		t.logger.Warn("timestamp of block ", parent.Number+1, " saturates after ", current)
		next = math.MaxUint64
	}
	return next, nil
}

// Provide implements Provider.
func (t *Timestamp) Provide(ctx context.Context, parent *block.Block, exec runtime.Caller) ([][]byte, error) {
	if parent.Runtime == nil || parent.Runtime.Metadata == nil {
		return nil, fmt.Errorf("runtime metadata is not available")
	}
	idx, err := parent.Runtime.Metadata.CallIndex("Timestamp", "set")
	if err != nil {
		return nil, err
	}
	next, err := t.NextTimestamp(ctx, parent, exec)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("setting timestamp of block ", parent.Number+1, " to ", next)

	call := []byte{idx.Pallet, idx.Call}
	call = append(call, types.EncodeCompact(next)...)
	return [][]byte{BareExtrinsic(call)}, nil
}

// Warmup implements Provider.
func (t *Timestamp) Warmup(ctx context.Context, parent *block.Block, exec runtime.Caller) {
	t.slots.SlotDuration(ctx, parent, exec)
}

// InvalidateCache implements Provider.
func (t *Timestamp) InvalidateCache() {
	t.slots.Invalidate()
}
