package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit", "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := NewAuditor(db, 30)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewAuditorCreatesTable(t *testing.T) {
	a := newTestAuditor(t)
	var count int64
	if err := a.db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty table, got %d", count)
	}
	if a.RetentionDays() != 30 {
		t.Errorf("retention = %d", a.RetentionDays())
	}
}

func TestDefaultRetention(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAuditor(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.RetentionDays() != DefaultRetentionDays {
		t.Errorf("retention = %d, want %d", a.RetentionDays(), DefaultRetentionDays)
	}
}

func TestRecordAndQuery(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	a.nowFn = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	a.Record(Event{Type: EventConnectionOpened, ConnectionID: "c1", SourceIP: "10.0.0.1"})
	a.Record(Event{Type: EventLoginFailed, ConnectionID: "c1", Username: "alice", SourceIP: "10.0.0.1"})
	a.Record(Event{Type: EventLoginSucceeded, ConnectionID: "c1", Username: "alice", SourceIP: "10.0.0.1"})
	a.Record(Event{Type: EventShellStarted, ConnectionID: "c2", Username: "alice", Details: "shell=/bin/sh pid=42"})

	all, total, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("total=%d len=%d, want 4", total, len(all))
	}
	if all[0].EventType != EventShellStarted {
		t.Errorf("expected newest first, got %s", all[0].EventType)
	}

	byConn, total, err := a.Query(QueryOptions{ConnectionID: "c1"})
	if err != nil || total != 3 || len(byConn) != 3 {
		t.Errorf("by connection: total=%d len=%d err=%v", total, len(byConn), err)
	}

	failed, total, err := a.Query(QueryOptions{EventType: EventLoginFailed})
	if err != nil || total != 1 || failed[0].Username != "alice" {
		t.Errorf("by type: %+v total=%d err=%v", failed, total, err)
	}

	since := base.Add(3 * time.Second)
	recent, total, err := a.Query(QueryOptions{Since: &since})
	if err != nil || total != 2 || len(recent) != 2 {
		t.Errorf("since: total=%d len=%d err=%v", total, len(recent), err)
	}

	page, total, err := a.Query(QueryOptions{Limit: 1, Offset: 1})
	if err != nil || total != 4 || len(page) != 1 || page[0].EventType != EventLoginSucceeded {
		t.Errorf("paging: %+v total=%d err=%v", page, total, err)
	}
}

func TestRecordSanitizesFields(t *testing.T) {
	a := newTestAuditor(t)
	a.Record(Event{Type: EventLoginFailed, Username: "alice\nINFO forged", Details: "x\r\ny"})

	recs, _, err := a.Query(QueryOptions{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("query: %v %d", err, len(recs))
	}
	if recs[0].Username != "alice INFO forged" || recs[0].Details != "x  y" {
		t.Errorf("fields not sanitised: %+v", recs[0])
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	a.nowFn = func() time.Time { return now.AddDate(0, 0, -45) }
	a.Record(Event{Type: EventConnectionOpened})
	a.nowFn = func() time.Time { return now.AddDate(0, 0, -10) }
	a.Record(Event{Type: EventConnectionClosed})

	a.nowFn = func() time.Time { return now }
	n, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	recs, total, _ := a.Query(QueryOptions{})
	if total != 1 || recs[0].EventType != EventConnectionClosed {
		t.Errorf("unexpected remaining records %+v", recs)
	}

	n, err = a.PurgeOlderThan(5)
	if err != nil || n != 1 {
		t.Errorf("explicit purge: n=%d err=%v", n, err)
	}
}

func TestNilAuditorIsNoop(t *testing.T) {
	var a *Auditor
	a.Record(Event{Type: EventLogout})
	if recs, total, err := a.Query(QueryOptions{}); recs != nil || total != 0 || err != nil {
		t.Errorf("nil Query = %v %d %v", recs, total, err)
	}
	if n, err := a.PurgeOlderThan(1); n != 0 || err != nil {
		t.Errorf("nil purge = %d %v", n, err)
	}
	if err := a.Schedule(cron.New()); err != nil {
		t.Errorf("nil Schedule: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestSchedule(t *testing.T) {
	a := newTestAuditor(t)
	c := cron.New()
	if err := a.Schedule(c); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("expected 1 cron entry, got %d", len(c.Entries()))
	}
}
