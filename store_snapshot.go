package mqttsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// snapshotVersion is bumped whenever the snapshot layout changes incompatibly.
const snapshotVersion = 1

// ErrInvalidSnapshot is returned when a store snapshot cannot be restored.
var ErrInvalidSnapshot = errors.New("invalid store snapshot")

var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
)

func init() {
	var err error

	snapshotEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("failed to create snapshot CBOR encoder: " + err.Error())
	}

	snapshotDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("failed to create snapshot CBOR decoder: " + err.Error())
	}
}

// storeSnapshot is the persisted form of an outbound store.
type storeSnapshot struct {
	Version  int               `cbor:"1,keyasint"`
	SavedAt  time.Time         `cbor:"2,keyasint"`
	Messages []*PendingMessage `cbor:"3,keyasint"`
}

// MarshalBinary encodes the store's entries, in order, as CBOR.
func (s *MemoryStore) MarshalBinary() ([]byte, error) {
	entries, err := s.DrainInOrder()
	if err != nil {
		return nil, err
	}

	return snapshotEncMode.Marshal(storeSnapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now(),
		Messages: entries,
	})
}

// UnmarshalBinary replaces the store's entries with a snapshot produced by
// MarshalBinary.
func (s *MemoryStore) UnmarshalBinary(data []byte) error {
	var snap storeSnapshot
	if err := snapshotDecMode.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, snap.Version)
	}

	for _, msg := range snap.Messages {
		if msg == nil || msg.QoS > QoS2 {
			return ErrInvalidSnapshot
		}
	}

	return s.restore(snap.Messages)
}
