package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)

	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_NowSetSince(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start)
	}

	clock.Set(start.Add(time.Minute))
	if got := clock.Since(start); got != time.Minute {
		t.Errorf("Since() = %v, want 1m", got)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(50 * time.Millisecond)

	clock.Advance(20 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(30 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(50 * time.Millisecond)) {
			t.Errorf("tick at %v, want %v", got, start.Add(50*time.Millisecond))
		}
	default:
		t.Fatal("ticker did not fire")
	}

	// Unconsumed ticks are dropped rather than queued.
	clock.Advance(50 * time.Millisecond)
	clock.Advance(50 * time.Millisecond)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Error("expected a single buffered tick")
	default:
	}
}

func TestMockTicker_StopAndReset(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	ticker.Reset(500 * time.Millisecond)
	clock.Advance(0)
	select {
	case <-ticker.C():
	default:
		t.Fatal("reset ticker did not fire when overdue")
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Hour).(*MockTicker)
	at := time.Unix(42, 0)
	ticker.Trigger(at)

	if got := <-ticker.C(); !got.Equal(at) {
		t.Errorf("Trigger delivered %v, want %v", got, at)
	}
}

func TestSeconds(t *testing.T) {
	cases := []struct {
		sec  float64
		want time.Time
	}{
		{0, time.Unix(0, 0)},
		{12.5, time.Unix(12, 500_000_000)},
		{3.4, time.Unix(3, 400_000_000)},
		{-1.25, time.Unix(-2, 750_000_000)},
	}
	for _, tc := range cases {
		got := FromSeconds(tc.sec)
		if !got.Equal(tc.want) {
			t.Errorf("FromSeconds(%v) = %v, want %v", tc.sec, got, tc.want)
		}
		if back := Seconds(got); back != tc.sec {
			t.Errorf("Seconds(FromSeconds(%v)) = %v", tc.sec, back)
		}
	}
}
