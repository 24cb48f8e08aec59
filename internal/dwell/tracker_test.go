package dwell

import (
	"testing"
	"time"

	"dwellwatch/internal/geo"
	logx "dwellwatch/pkg/logx"
)

type firing struct {
	region string
	lat    *float64
	lon    *float64
}

// testTracker wires a tracker to a controllable clock and a capture of
// threshold firings. Regions: two adjacent squares A and B.
func testTracker(t *testing.T) (*Tracker, *time.Time, *[]firing) {
	t.Helper()
	idx := geo.Load([]geo.Region{
		{Name: "A", Boundary: []geo.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10}, {Lat: 10, Lon: 0}}},
		{Name: "B", Boundary: []geo.Point{{Lat: 0, Lon: 10}, {Lat: 0, Lon: 20}, {Lat: 10, Lon: 20}, {Lat: 10, Lon: 10}}},
	})

	tr := NewTracker(Config{Threshold: 180 * time.Second, PollInterval: 10 * time.Second}, idx, logx.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	var fired []firing
	tr.SetOnDwell(func(region string, lat, lon *float64) {
		fired = append(fired, firing{region: region, lat: lat, lon: lon})
	})
	return tr, &now, &fired
}

func TestDwellFiresOnceAtThreshold(t *testing.T) {
	tr, now, fired := testTracker(t)

	tr.OnSample(5, 5) // enter A
	for i := 0; i < 17; i++ {
		*now = now.Add(10 * time.Second)
		tr.OnSample(5, 5)
	}
	if len(*fired) != 0 {
		t.Fatalf("fired %d times before threshold", len(*fired))
	}

	*now = now.Add(10 * time.Second) // t = 180s
	tr.OnSample(5, 5)
	if len(*fired) != 1 {
		t.Fatalf("fired %d times at threshold, want 1", len(*fired))
	}
	f := (*fired)[0]
	if f.region != "A" {
		t.Fatalf("fired region = %q, want A", f.region)
	}
	if f.lat == nil || f.lon == nil || *f.lat != 5 || *f.lon != 5 {
		t.Fatalf("fired coordinate = %v,%v", f.lat, f.lon)
	}

	// Firing closed the session; the next in-region sample opens a fresh one
	// with a fresh clock, so nothing re-fires inside the next 180s.
	for i := 0; i < 17; i++ {
		*now = now.Add(10 * time.Second)
		tr.OnSample(5, 5)
	}
	if len(*fired) != 1 {
		t.Fatalf("re-fired inside the new session's threshold: %d", len(*fired))
	}

	// A full second dwell is a second session and fires again.
	*now = now.Add(20 * time.Second)
	tr.Poll()
	if len(*fired) != 2 {
		t.Fatalf("second session fired %d times total, want 2", len(*fired))
	}
}

func TestDwellSamplesNeverResetClock(t *testing.T) {
	tr, now, fired := testTracker(t)

	// A burst of samples inside the same region must not push back the
	// threshold: only entry time matters.
	tr.OnSample(5, 5)
	for i := 0; i < 175; i++ {
		*now = now.Add(time.Second)
		tr.OnSample(5.001, 5.001)
	}
	if len(*fired) != 0 {
		t.Fatal("fired before 180s despite continuous samples")
	}
	*now = now.Add(5 * time.Second)
	tr.Poll()
	if len(*fired) != 1 {
		t.Fatalf("fired %d times, want 1", len(*fired))
	}
}

func TestRegionSwitchStartsFreshSession(t *testing.T) {
	tr, now, fired := testTracker(t)

	tr.OnSample(5, 5) // A
	*now = now.Add(90 * time.Second)
	tr.OnSample(5, 15) // B after 90s in A
	*now = now.Add(90 * time.Second)
	tr.OnSample(5, 15) // 90s in B; neither session reached 180s
	if len(*fired) != 0 {
		t.Fatalf("fired %d times across two short sessions", len(*fired))
	}

	*now = now.Add(90 * time.Second)
	tr.Poll() // 180s in B
	if len(*fired) != 1 || (*fired)[0].region != "B" {
		t.Fatalf("fired = %+v, want one firing in B", *fired)
	}
}

func TestExitClosesSessionWithoutEvent(t *testing.T) {
	tr, now, fired := testTracker(t)

	tr.OnSample(5, 5)
	*now = now.Add(170 * time.Second)
	tr.OnSample(50, 50) // outside all regions just before threshold
	*now = now.Add(60 * time.Second)
	tr.OnSample(5, 5) // re-enter A: clock starts over
	*now = now.Add(170 * time.Second)
	tr.Poll()
	if len(*fired) != 0 {
		t.Fatalf("fired %d times, want 0 (no continuous 180s dwell)", len(*fired))
	}

	*now = now.Add(10 * time.Second)
	tr.Poll()
	if len(*fired) != 1 {
		t.Fatalf("fired %d times after full dwell, want 1", len(*fired))
	}
}

func TestPollWithoutFixIsNoop(t *testing.T) {
	tr, _, fired := testTracker(t)

	tr.Poll()
	tr.Poll()
	if len(*fired) != 0 {
		t.Fatal("poll without any fix must not fire")
	}
	if snap := tr.Snapshot(); snap.HasFix || snap.Dwelling {
		t.Fatalf("unexpected snapshot before first sample: %+v", snap)
	}
}

func TestPollAloneCrossesThreshold(t *testing.T) {
	tr, now, fired := testTracker(t)

	// One sample, then a quiet provider; the poll tick must still detect.
	tr.OnSample(5, 5)
	*now = now.Add(180 * time.Second)
	tr.Poll()
	if len(*fired) != 1 {
		t.Fatalf("fired %d times via poll, want 1", len(*fired))
	}
}

func TestSnapshotReflectsSession(t *testing.T) {
	tr, now, _ := testTracker(t)

	tr.OnSample(5, 5)
	snap := tr.Snapshot()
	if !snap.Dwelling || snap.Region != "A" || !snap.HasFix {
		t.Fatalf("snapshot = %+v, want dwelling in A", snap)
	}
	if !snap.EnteredAt.Equal(*now) {
		t.Fatalf("EnteredAt = %v, want %v", snap.EnteredAt, *now)
	}

	tr.OnSample(50, 50)
	if snap := tr.Snapshot(); snap.Dwelling {
		t.Fatalf("still dwelling after exit: %+v", snap)
	}
}
