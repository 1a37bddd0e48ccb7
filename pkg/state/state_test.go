package state

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []SystemState
}

func (r *recorder) BroadcastState(s SystemState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func TestInitial(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := Initial(now)

	if s.Distance != 0 {
		t.Errorf("Distance: got %d, want 0", s.Distance)
	}
	if s.FanStatus != FanOff {
		t.Errorf("FanStatus: got %s, want OFF", s.FanStatus)
	}
	if s.HumanDetected {
		t.Error("HumanDetected should be false")
	}
	if s.Mode != ModeAuto {
		t.Errorf("Mode: got %s, want AUTO", s.Mode)
	}
	if !s.UpdatedAt().Equal(now) {
		t.Errorf("UpdatedAt: got %v, want %v", s.UpdatedAt(), now)
	}
	if s.HasDistance() {
		t.Error("HasDistance should be false before any reading")
	}
}

func TestStore_UpdateBroadcastsOnce(t *testing.T) {
	rec := &recorder{}
	store := NewStore(time.Now(), rec)

	at := time.UnixMilli(1_700_000_000_500)
	snap := store.Update(at, func(s *SystemState) {
		s.Distance = 42
	})

	if snap.Distance != 42 {
		t.Errorf("Distance: got %d, want 42", snap.Distance)
	}
	if snap.Timestamp != at.UnixMilli() {
		t.Errorf("Timestamp: got %d, want %d", snap.Timestamp, at.UnixMilli())
	}
	if rec.count() != 1 {
		t.Fatalf("broadcasts: got %d, want 1", rec.count())
	}
	if rec.states[0].Distance != 42 {
		t.Errorf("broadcast Distance: got %d, want 42", rec.states[0].Distance)
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	store := NewStore(time.Now(), nil)
	raw := 5831
	store.Update(time.Now(), func(s *SystemState) {
		s.RawSensorTime = &raw
	})

	snap := store.Snapshot()
	*snap.RawSensorTime = 1

	again := store.Snapshot()
	if *again.RawSensorTime != 5831 {
		t.Errorf("RawSensorTime mutated through snapshot: got %d", *again.RawSensorTime)
	}
}

func TestBroadcasters_FanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var called int
	fan := Broadcasters{a, nil, b, BroadcasterFunc(func(SystemState) { called++ })}

	fan.BroadcastState(Initial(time.Now()))

	if a.count() != 1 || b.count() != 1 || called != 1 {
		t.Errorf("fan-out: got a=%d b=%d func=%d, want 1 each", a.count(), b.count(), called)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(time.Now(), &recorder{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Update(time.Now(), func(s *SystemState) { s.Distance = v + 1 })
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = store.Snapshot()
			}
		}()
	}
	wg.Wait()
}

func TestEnums(t *testing.T) {
	if !ModeAuto.Valid() || !ModeManual.Valid() || Mode("auto").Valid() {
		t.Error("Mode.Valid accepts exactly AUTO and MANUAL")
	}
	if !FanOn.Valid() || !FanOff.Valid() || FanStatus("1").Valid() {
		t.Error("FanStatus.Valid accepts exactly ON and OFF")
	}
}
