package kv

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"trollbox/internal/debuglog"
)

type Pebble struct {
	db *pebble.DB
}

func OpenPebble(path string) (*Pebble, error) {
	if path == "" {
		return nil, fmt.Errorf("missing pebble path")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	debuglog.Debugf("kv: pebble opened path=%s", path)
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (p *Pebble) Set(_ context.Context, key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *Pebble) Delete(_ context.Context, key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
