package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "dwellwatch/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoggedKeys(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	has, err := st.HasLoggedKey(ctx, "c_e_id")
	if err != nil || has {
		t.Fatalf("fresh store HasLoggedKey = %v, %v", has, err)
	}
	if err := st.PutLoggedKey(ctx, "c_e_id"); err != nil {
		t.Fatalf("PutLoggedKey error: %v", err)
	}
	// Re-inserting is a no-op, not an error.
	if err := st.PutLoggedKey(ctx, "c_e_id"); err != nil {
		t.Fatalf("duplicate PutLoggedKey error: %v", err)
	}
	has, err = st.HasLoggedKey(ctx, "c_e_id")
	if err != nil || !has {
		t.Fatalf("HasLoggedKey after put = %v, %v", has, err)
	}
}

func TestKV(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetValue(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key = %v, %v", ok, err)
	}
	if err := st.SetValue(ctx, "schedule_timestamp", "2026-03-01T12:00:00Z"); err != nil {
		t.Fatalf("SetValue error: %v", err)
	}
	if err := st.SetValue(ctx, "schedule_timestamp", "2026-03-08T12:00:00Z"); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	v, ok, err := st.GetValue(ctx, "schedule_timestamp")
	if err != nil || !ok || v != "2026-03-08T12:00:00Z" {
		t.Fatalf("GetValue = %q, %v, %v", v, ok, err)
	}
}

func TestEventJournal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id1, err := st.AppendEvent(ctx, Event{DeviceID: "dev", Category: "random_notification", Payload: `{"a":1}`})
	if err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}
	id2, err := st.AppendEvent(ctx, Event{DeviceID: "dev", Category: "location_notification", Payload: `{"b":2}`})
	if err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids not monotonic: %d then %d", id1, id2)
	}

	events, err := st.UnsyncedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("UnsyncedEvents error: %v", err)
	}
	if len(events) != 2 || events[0].ID != id1 || events[1].Payload != `{"b":2}` {
		t.Fatalf("unsynced = %+v", events)
	}
	if events[0].At.IsZero() {
		t.Fatal("event timestamp not round-tripped")
	}

	if err := st.MarkEventsSynced(ctx, []int64{id1}); err != nil {
		t.Fatalf("MarkEventsSynced error: %v", err)
	}
	events, err = st.UnsyncedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("UnsyncedEvents error: %v", err)
	}
	if len(events) != 1 || events[0].ID != id2 {
		t.Fatalf("after sync, unsynced = %+v", events)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.PutLoggedKey(ctx, "survives"); err != nil {
		t.Fatalf("PutLoggedKey error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st.Close()
	has, err := st.HasLoggedKey(ctx, "survives")
	if err != nil || !has {
		t.Fatalf("key lost across reopen: %v, %v", has, err)
	}
}
