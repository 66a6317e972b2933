package settings

import (
	"context"
	"errors"
	"sync"

	"queuepush/pkg/logx"
)

// Backend persists recipients keyed by ID.
//
// Get reports absence as (zero, false, nil). Undecodable records are logged
// by the backend and treated as absent, both by Get and All.
type Backend interface {
	Get(ctx context.Context, id string) (Recipient, bool, error)
	Put(ctx context.Context, r Recipient) error
	All(ctx context.Context) ([]Recipient, error)
	Close() error
}

// Pinger is implemented by backends with a remote dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store wraps a Backend with the read-modify-write operations.
type Store struct {
	backend Backend
	log     logx.Logger
	locks   keyedMutex
}

func NewStore(b Backend, log logx.Logger) *Store {
	return &Store{backend: b, log: log.With(logx.String("comp", "settings"))}
}

func (s *Store) Backend() Backend { return s.backend }

func (s *Store) Get(ctx context.Context, id string) (Recipient, bool, error) {
	return s.backend.Get(ctx, id)
}

func (s *Store) Put(ctx context.Context, r Recipient) error {
	if r.ID == "" {
		return errors.New("recipient id is required")
	}
	return s.backend.Put(ctx, r)
}

func (s *Store) All(ctx context.Context) ([]Recipient, error) {
	return s.backend.All(ctx)
}

// Ping checks backend connectivity. Backends without a remote side always succeed.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) Close() error { return s.backend.Close() }

// GetOrCreate returns the recipient, creating it with default preferences
// when absent and backfilling preferences on legacy records.
func (s *Store) GetOrCreate(ctx context.Context, id, displayName string) (Recipient, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	r, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return Recipient{}, err
	}
	if ok && r.Preferences != nil {
		return r, nil
	}
	if !ok {
		if displayName == "" {
			displayName = "n/a"
		}
		r = Recipient{ID: id, DisplayName: displayName}
		s.log.Info("recipient created", logx.String("id", id))
	}
	p := DefaultPreferences()
	r.Preferences = &p
	if err := s.backend.Put(ctx, r); err != nil {
		return Recipient{}, err
	}
	return r, nil
}

// Toggle flips one preference and persists the full record.
// It returns ok=false without writing when the recipient does not exist.
func (s *Store) Toggle(ctx context.Context, id string, c Category) (Recipient, bool, error) {
	if _, err := ParseCategory(string(c)); err != nil {
		return Recipient{}, false, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	r, ok, err := s.backend.Get(ctx, id)
	if err != nil || !ok {
		return Recipient{}, false, err
	}
	p := r.Settings()
	if err := p.Flip(c); err != nil {
		return Recipient{}, false, err
	}
	r.Preferences = &p
	if err := s.backend.Put(ctx, r); err != nil {
		return Recipient{}, false, err
	}
	return r, true, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
