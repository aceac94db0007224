package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"trollbox/internal/proto"
)

func env(topic string, ts int64) proto.Envelope {
	return proto.NewEnvelope(topic, []byte(fmt.Sprintf("sealed-%s-%d", topic, ts)), time.UnixMilli(ts))
}

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMem()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendDedupsByHash(t *testing.T) {
	s := openMem(t)
	e := env("/a", 100)
	if ok, err := s.Append(e); err != nil || !ok {
		t.Fatalf("first append: ok=%v err=%v", ok, err)
	}
	e.Hops = 2
	if ok, err := s.Append(e); err != nil || ok {
		t.Fatalf("relayed duplicate stored: ok=%v err=%v", ok, err)
	}
	if n, _ := s.Count(); n != 1 {
		t.Fatalf("expected 1 stored, got %d", n)
	}
	if _, err := s.Append(proto.Envelope{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestQueryOrdersAndPages(t *testing.T) {
	s := openMem(t)
	for _, ts := range []int64{300, 100, 500, 200, 400} {
		if _, err := s.Append(env("/a", ts)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.Append(env("/b", 150)); err != nil {
		t.Fatalf("append: %v", err)
	}
	var got []int64
	cursor := ""
	pages := 0
	for {
		page, err := s.Query(Query{ContentTopic: "/a", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		pages++
		for _, e := range page.Envelopes {
			got = append(got, e.Timestamp)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	if fmt.Sprint(got) != "[100 200 300 400 500]" || pages != 3 {
		t.Fatalf("unexpected pages=%d got=%v", pages, got)
	}
}

func TestQueryTimeBounds(t *testing.T) {
	s := openMem(t)
	for _, ts := range []int64{100, 200, 300} {
		_, _ = s.Append(env("/a", ts))
	}
	page, err := s.Query(Query{ContentTopic: "/a", Start: 200, End: 200})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Envelopes) != 1 || page.Envelopes[0].Timestamp != 200 {
		t.Fatalf("unexpected bounded result: %+v", page.Envelopes)
	}
	if _, err := s.Query(Query{ContentTopic: "/a", Cursor: "zz"}); err == nil {
		t.Fatalf("expected bad cursor error")
	}
}

func TestPruneRemovesOldEnvelopes(t *testing.T) {
	s := openMem(t)
	for _, ts := range []int64{100, 200, 300} {
		_, _ = s.Append(env("/a", ts))
		_, _ = s.Append(env("/b", ts))
	}
	n, err := s.Prune(time.UnixMilli(250))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 pruned, got %d", n)
	}
	page, _ := s.Query(Query{ContentTopic: "/b"})
	if len(page.Envelopes) != 1 || page.Envelopes[0].Timestamp != 300 {
		t.Fatalf("unexpected survivors: %+v", page.Envelopes)
	}
	if ok, _ := s.Append(env("/a", 100)); !ok {
		t.Fatalf("pruned envelope should be storable again")
	}
}

func TestOpenOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = s.Append(env("/a", 1))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, _ := s.Count(); n != 1 {
		t.Fatalf("history not persisted")
	}
}
