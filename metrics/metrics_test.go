package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	return NewSet(prometheus.NewRegistry())
}

func TestRecordReconnect(t *testing.T) {
	s := newTestSet(t)
	before := testutil.ToFloat64(s.Reconnects.WithLabelValues("idle"))
	s.RecordReconnect("idle")
	after := testutil.ToFloat64(s.Reconnects.WithLabelValues("idle"))
	if after != before+1 {
		t.Errorf("Reconnects{idle} = %v, want %v", after, before+1)
	}
}

func TestSetOnline(t *testing.T) {
	s := newTestSet(t)
	s.SetOnline("acct1", true)
	if got := testutil.ToFloat64(s.ConnectionsOnline.WithLabelValues("acct1")); got != 1 {
		t.Errorf("ConnectionsOnline(online) = %v, want 1", got)
	}
	s.SetOnline("acct1", false)
	if got := testutil.ToFloat64(s.ConnectionsOnline.WithLabelValues("acct1")); got != 0 {
		t.Errorf("ConnectionsOnline(offline) = %v, want 0", got)
	}
}

func TestSetWatchMode(t *testing.T) {
	s := newTestSet(t)
	s.SetWatchMode("acct2", "idle")
	if got := testutil.ToFloat64(s.WatchMode.WithLabelValues("acct2", "idle")); got != 1 {
		t.Errorf("WatchMode{idle} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.WatchMode.WithLabelValues("acct2", "poll")); got != 0 {
		t.Errorf("WatchMode{poll} = %v, want 0", got)
	}

	s.SetWatchMode("acct2", "poll")
	if got := testutil.ToFloat64(s.WatchMode.WithLabelValues("acct2", "idle")); got != 0 {
		t.Errorf("WatchMode{idle} = %v, want 0 after switching to poll", got)
	}
}

func TestRecordResync(t *testing.T) {
	s := newTestSet(t)
	before := testutil.ToFloat64(s.ResyncFailures.WithLabelValues("cold"))
	s.RecordResync("cold", 0.1, nil)
	if got := testutil.ToFloat64(s.ResyncFailures.WithLabelValues("cold")); got != before {
		t.Errorf("ResyncFailures should not increment on success: got %v, want %v", got, before)
	}

	s.RecordResync("cold", 0.1, errors.New("boom"))
	if got := testutil.ToFloat64(s.ResyncFailures.WithLabelValues("cold")); got != before+1 {
		t.Errorf("ResyncFailures should increment on failure: got %v, want %v", got, before+1)
	}
}

func TestNilSetIsNoOp(t *testing.T) {
	var s *Set
	s.RecordReconnect("idle")
	s.SetOnline("acct", true)
	s.RecordIdleRoundTrip()
	s.SetWatchMode("acct", "idle")
	s.RecordResync("cold", 0.1, errors.New("boom"))
	s.RecordCommand("SELECT")
	s.RecordError("resync", "network")
}
