package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

type recordCell struct {
	rec atomic.Pointer[drops.Reservation]
}

type Store struct {
	records *xsync.Map[string, *recordCell]
}

func NewStore() *Store {
	return &Store{records: xsync.NewMap[string, *recordCell]()}
}

func (s *Store) Insert(_ context.Context, r drops.Reservation) error {
	if r.ID == "" || r.DropID == "" {
		return drops.ErrInvalidInput
	}
	cell := &recordCell{}
	cell.rec.Store(&r)
	if _, loaded := s.records.LoadOrStore(r.ID, cell); loaded {
		return fmt.Errorf("reservation %s: %w", r.ID, drops.ErrDuplicate)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (drops.Reservation, error) {
	cell, ok := s.records.Load(id)
	if !ok {
		return drops.Reservation{}, drops.ErrNotFound
	}
	return *cell.rec.Load(), nil
}

func (s *Store) Transition(_ context.Context, t drops.Transition) (drops.Reservation, error) {
	cell, ok := s.records.Load(t.ID)
	if !ok {
		return drops.Reservation{}, drops.ErrNotFound
	}
	for {
		cur := cell.rec.Load()
		next, err := t.Apply(*cur)
		if err != nil {
			return *cur, err
		}
		if cell.rec.CompareAndSwap(cur, &next) {
			return next, nil
		}
	}
}

func (s *Store) ListLapsed(_ context.Context, now time.Time, limit int) ([]drops.Reservation, error) {
	var out []drops.Reservation
	s.records.Range(func(_ string, cell *recordCell) bool {
		r := cell.rec.Load()
		if r.Status == drops.StatusPending && r.Lapsed(now) {
			out = append(out, *r)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
