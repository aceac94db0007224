// Package store is the service node's envelope history, kept in pebble and
// indexed by content topic and timestamp.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"trollbox/internal/proto"
)

// Key layout:
//
//	h/<topic>\x00<ts:8><hash:32> -> envelope json
//	t/<ts:8><hash:32><topic>      -> nil (retention index)
//	x/<hash:32>                   -> nil (dedup)
var (
	historyPrefix = []byte("h/")
	timePrefix    = []byte("t/")
	hashPrefix    = []byte("x/")
)

const suffixLen = 8 + 32

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMem keeps history in memory only.
func OpenMem() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func suffix(ts int64, hash [32]byte) []byte {
	out := make([]byte, suffixLen)
	binary.BigEndian.PutUint64(out[:8], uint64(ts))
	copy(out[8:], hash[:])
	return out
}

func topicPrefix(topic string) []byte {
	out := make([]byte, 0, len(historyPrefix)+len(topic)+1)
	out = append(out, historyPrefix...)
	out = append(out, topic...)
	return append(out, 0)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// prefixEnd is the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Append stores env unless an envelope with the same hash is present. It
// reports whether env was new.
func (s *Store) Append(env proto.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	hash := env.Hash()
	xkey := concat(hashPrefix, hash[:])
	if _, closer, err := s.db.Get(xkey); err == nil {
		_ = closer.Close()
		return false, nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, err
	}
	env.Hops = 0
	env.Type = proto.MsgTypeEnvelope
	val, err := json.Marshal(env)
	if err != nil {
		return false, err
	}
	suf := suffix(env.Timestamp, hash)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(concat(topicPrefix(env.ContentTopic), suf), val, nil); err != nil {
		return false, err
	}
	if err := b.Set(concat(timePrefix, suf, []byte(env.ContentTopic)), nil, nil); err != nil {
		return false, err
	}
	if err := b.Set(xkey, nil, nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

type Query struct {
	ContentTopic string
	// Start and End bound the timestamp in unix ms; zero means open.
	Start  int64
	End    int64
	Limit  int
	Cursor string
}

type Page struct {
	Envelopes []proto.Envelope
	// Cursor is empty on the last page.
	Cursor string
}

// Query returns envelopes for one topic in ascending timestamp order.
func (s *Store) Query(q Query) (Page, error) {
	if q.ContentTopic == "" {
		return Page{}, errors.New("missing content topic")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = proto.DefaultPageSize
	}
	prefix := topicPrefix(q.ContentTopic)
	lower := prefix
	if q.Start > 0 {
		var zero [32]byte
		lower = concat(prefix, suffix(q.Start, zero))
	}
	if q.Cursor != "" {
		cur, err := hex.DecodeString(q.Cursor)
		if err != nil || len(cur) != suffixLen {
			return Page{}, errors.New("bad cursor")
		}
		after := concat(prefix, cur, []byte{0})
		if bytes.Compare(after, lower) > 0 {
			lower = after
		}
	}
	upper := prefixEnd(prefix)
	if q.End > 0 {
		var zero [32]byte
		upper = concat(prefix, suffix(q.End+1, zero))
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Page{}, err
	}
	defer iter.Close()
	var page Page
	var lastKey []byte
	for iter.First(); iter.Valid(); iter.Next() {
		if len(page.Envelopes) == limit {
			page.Cursor = hex.EncodeToString(lastKey[len(prefix):])
			break
		}
		var env proto.Envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return Page{}, fmt.Errorf("corrupt envelope: %w", err)
		}
		page.Envelopes = append(page.Envelopes, env)
		lastKey = append(lastKey[:0], iter.Key()...)
	}
	if err := iter.Error(); err != nil {
		return Page{}, err
	}
	return page, nil
}

// Prune deletes envelopes with timestamps before cutoff and returns how
// many were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	var zero [32]byte
	upper := concat(timePrefix, suffix(cutoff.UnixMilli(), zero))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: timePrefix, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		rest := key[len(timePrefix):]
		if len(rest) < suffixLen {
			continue
		}
		suf, topic := rest[:suffixLen], string(rest[suffixLen:])
		if err := b.Delete(concat(topicPrefix(topic), suf), nil); err != nil {
			iter.Close()
			return 0, err
		}
		if err := b.Delete(concat(hashPrefix, suf[8:]), nil); err != nil {
			iter.Close()
			return 0, err
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			iter.Close()
			return 0, err
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

// Count returns the number of stored envelopes.
func (s *Store) Count() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: hashPrefix, UpperBound: prefixEnd(hashPrefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}
