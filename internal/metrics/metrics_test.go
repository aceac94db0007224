package metrics

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncPublished()
	m.IncPublished()
	m.IncPublishFailed()
	m.IncReceived()
	m.AddBackfilled(3)
	m.IncDropDecrypt()
	m.IncPushAccepted()
	m.IncPushDropDuplicate()
	m.IncPushDropRate()
	m.IncRelayed()
	m.SubscriberOpened()
	m.SubscriberOpened()
	m.SubscriberClosed()
	m.IncRecvByType("push")
	m.IncRecvByType("push")
	m.IncDropByReason("rate")
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)
	snap := m.Snapshot()
	if snap.Dispatch.Published != 2 || snap.Dispatch.PublishFailed != 1 {
		t.Fatalf("unexpected dispatch counts: %+v", snap.Dispatch)
	}
	if snap.Dispatch.Backfilled != 3 || snap.Dispatch.DropDecrypt != 1 {
		t.Fatalf("unexpected dispatch counts: %+v", snap.Dispatch)
	}
	if snap.Push.Accepted != 1 || snap.Push.DropDuplicate != 1 || snap.Push.DropRate != 1 || snap.Push.Relayed != 1 {
		t.Fatalf("unexpected push counts: %+v", snap.Push)
	}
	if snap.Filter.Subscribers != 1 {
		t.Fatalf("expected subscribers=1, got %d", snap.Filter.Subscribers)
	}
	if snap.RecvByType["push"] != 2 {
		t.Fatalf("expected recv_by_type push=2, got %d", snap.RecvByType["push"])
	}
	if snap.DropByReason["rate"] != 1 {
		t.Fatalf("expected drop_by_reason rate=1, got %d", snap.DropByReason["rate"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(EnvelopeHeader{Hash: "a"})
	r.Add(EnvelopeHeader{Hash: "b"})
	r.Add(EnvelopeHeader{Hash: "c"})
	list := r.List()
	if len(list) != 2 || list[0].Hash != "b" || list[1].Hash != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	m := New()
	m.IncStored()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Store.Stored != 1 {
		t.Fatalf("unexpected stored count: %d", snap.Store.Stored)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.IncPushAccepted()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "trollbox_push_accepted_total 1") {
		t.Fatalf("counter missing from exposition:\n%s", body)
	}
}
