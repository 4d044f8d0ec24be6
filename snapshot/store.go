package snapshot

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Store owns the process-wide Snapshot.
//
// Thread Safety:
//   - Every mutation runs under the write lock and bumps Version once.
//   - Read and the values returned by mutators are deep copies.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New creates a store holding the process-start snapshot.
func New() *Store {
	return &Store{snap: Initial()}
}

// Read returns a copy of the current snapshot.
func (s *Store) Read() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Purpose: Overwrite one climate reading and stamp lastUpdate.
// Key aspects: Field and timestamp change in one critical section; no coalescing.
// Upstream: bus.Client message handler.
// Downstream: None (caller pushes the returned copy to the fan-out).
func (s *Store) MergeClimate(field ClimateField, value float64, at time.Time) (Snapshot, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return s.Read(), fmt.Errorf("non-finite %s reading %v", field, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.snap.Climate.slot(field)
	if slot == nil {
		return s.snap.clone(), fmt.Errorf("unknown climate field %s", field)
	}
	v := value
	*slot = &v
	s.snap.Climate.LastUpdate = &Timestamp{Time: at.UTC()}
	s.snap.Version++
	return s.snap.clone(), nil
}

// Purpose: Write an actuator state.
// Key aspects: Reports whether the stored value changed; Version only moves on change.
// Upstream: control.Commander and the bus actuator-echo path.
// Downstream: None.
func (s *Store) SetActuator(name Actuator, state State) (Snapshot, bool, error) {
	if !state.Valid() {
		return s.Read(), false, fmt.Errorf("invalid state %q for %s", state, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.snap.Manager.slot(name)
	if slot == nil {
		return s.snap.clone(), false, fmt.Errorf("unknown actuator %q", name)
	}
	if *slot == state {
		return s.snap.clone(), false, nil
	}
	*slot = state
	s.snap.Version++
	return s.snap.clone(), true, nil
}
