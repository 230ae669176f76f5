package metrics

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncDiscoverySent()
	m.IncDiscoverySent()
	m.IncDiscoveryVerified()
	m.IncDiscoveryVerifyFail()
	m.IncControlSent()
	m.IncControlAccepted()
	m.IncFramesSent()
	m.IncFramesReceived()
	m.IncKeepalives()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.IncRecvByKind("control")
	m.IncRecvByKind("control")
	m.IncDropByReason(DropStaleSequence)
	m.RecordTransition(Transition{SessionID: "s", From: "init", To: "handshake", Event: "send_discovery"})
	snap := m.Snapshot()
	if snap.Discovery.Sent != 2 || snap.Discovery.Verified != 1 || snap.Discovery.VerifyFail != 1 {
		t.Fatalf("unexpected discovery counts: %+v", snap.Discovery)
	}
	if snap.Control.Sent != 1 || snap.Control.Accepted != 1 {
		t.Fatalf("unexpected control counts: %+v", snap.Control)
	}
	if snap.Stream.FramesSent != 1 || snap.Stream.FramesReceived != 1 || snap.Stream.Keepalives != 1 {
		t.Fatalf("unexpected stream counts: %+v", snap.Stream)
	}
	if snap.ActiveSessions != 1 {
		t.Fatalf("expected 1 active session, got %d", snap.ActiveSessions)
	}
	if snap.RecvByKind["control"] != 2 {
		t.Fatalf("expected recv_by_kind control=2, got %d", snap.RecvByKind["control"])
	}
	if snap.DropByReason[DropStaleSequence] != 1 {
		t.Fatalf("expected drop_by_reason stale=1, got %d", snap.DropByReason[DropStaleSequence])
	}
	if len(snap.Recent) != 1 || snap.Recent[0].At.IsZero() {
		t.Fatalf("unexpected recent transitions: %+v", snap.Recent)
	}
}

func TestTransitionRecentRing(t *testing.T) {
	r := NewTransitionRecent(2)
	r.Add(Transition{To: "a"})
	r.Add(Transition{To: "b"})
	r.Add(Transition{To: "c"})
	list := r.List()
	if len(list) != 2 || list[0].To != "b" || list[1].To != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	m := New()
	m.IncFramesReceived()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snap.Stream.FramesReceived != 1 {
		t.Fatalf("expected frames_received=1, got %d", snap.Stream.FramesReceived)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestCollector(t *testing.T) {
	m := New()
	m.IncControlAccepted()
	m.IncDropByReason(DropBadTag)
	expected := `
# HELP alnp_datagrams_dropped_total Datagrams dropped by reason.
# TYPE alnp_datagrams_dropped_total counter
alnp_datagrams_dropped_total{reason="bad_tag"} 1
`
	if err := testutil.CollectAndCompare(m, strings.NewReader(expected), "alnp_datagrams_dropped_total"); err != nil {
		t.Fatalf("collector mismatch: %v", err)
	}
	if n := testutil.CollectAndCount(m, "alnp_control_envelopes_total"); n != 2 {
		t.Fatalf("expected 2 control series, got %d", n)
	}
	if _, err := m.Registry().Gather(); err != nil {
		t.Fatalf("gather failed: %v", err)
	}
}
