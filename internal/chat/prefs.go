package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"trollbox/internal/debuglog"
	"trollbox/internal/kv"
)

const (
	PrefUsername   = "trollbox_username"
	PrefOpen       = "trollbox_open"
	PrefDimensions = "trollbox_dimensions"
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var DefaultDimensions = Dimensions{Width: 320, Height: 384}

// Prefs persists the small amount of UI state the client remembers between
// runs. A nil store keeps everything at defaults and drops writes.
type Prefs struct {
	store kv.Store
}

func NewPrefs(store kv.Store) *Prefs {
	return &Prefs{store: store}
}

func (p *Prefs) get(ctx context.Context, key string) ([]byte, bool) {
	if p == nil || p.store == nil {
		return nil, false
	}
	v, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			debuglog.Warnf("chat: read pref %s: %v", key, err)
		}
		return nil, false
	}
	return v, true
}

func (p *Prefs) set(ctx context.Context, key string, value []byte) error {
	if p == nil || p.store == nil {
		return nil
	}
	return p.store.Set(ctx, key, value)
}

func (p *Prefs) Username(ctx context.Context) string {
	v, ok := p.get(ctx, PrefUsername)
	if !ok {
		return ""
	}
	return string(v)
}

func (p *Prefs) SetUsername(ctx context.Context, name string) error {
	return p.set(ctx, PrefUsername, []byte(name))
}

func (p *Prefs) Open(ctx context.Context) bool {
	v, ok := p.get(ctx, PrefOpen)
	if !ok {
		return false
	}
	open, err := strconv.ParseBool(string(v))
	return err == nil && open
}

func (p *Prefs) SetOpen(ctx context.Context, open bool) error {
	return p.set(ctx, PrefOpen, []byte(strconv.FormatBool(open)))
}

// Dimensions returns the stored panel size, or DefaultDimensions when
// nothing valid is stored.
func (p *Prefs) Dimensions(ctx context.Context) Dimensions {
	v, ok := p.get(ctx, PrefDimensions)
	if !ok {
		return DefaultDimensions
	}
	var d Dimensions
	if err := json.Unmarshal(v, &d); err != nil || d.Width <= 0 || d.Height <= 0 {
		return DefaultDimensions
	}
	return d
}

func (p *Prefs) SetDimensions(ctx context.Context, d Dimensions) error {
	if d.Width <= 0 || d.Height <= 0 {
		return errors.New("dimensions must be positive")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.set(ctx, PrefDimensions, raw)
}
