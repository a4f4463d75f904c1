package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

const (
	// cycleLength is the number of rounds in one game session.
	cycleLength = 3

	// maxRejections bounds the rejection sampler before it switches to
	// drawing from the complement of the chosen set.
	maxRejections = 16

	// sharedSessionKey is used for every client under --shared-rounds.
	sharedSessionKey = "shared"
)

var ErrEmptyPool = errors.New("no locations available")

// roundStore persists the indices already chosen in each round session.
// update runs fn against the current chosen set for key and stores the
// result; implementations make that read-modify-write atomic per key.
type roundStore interface {
	update(ctx context.Context, key string, fn func(chosen []int) []int) error
	close() error
}

// RoundSelector hands out catalog indices so that no index repeats within
// a session of cycleLength rounds.
type RoundSelector struct {
	store roundStore
	intn  func(n int) int
}

func newRoundSelector(store roundStore) *RoundSelector {
	return &RoundSelector{
		store: store,
		intn:  rand.IntN,
	}
}

// Next returns an index in [0, poolSize) not yet chosen in the session
// identified by key. A full session is cleared before the draw.
func (rs *RoundSelector) Next(ctx context.Context, key string, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, ErrEmptyPool
	}

	var picked int
	err := rs.store.update(ctx, key, func(chosen []int) []int {
		if len(chosen) >= cycleLength {
			chosen = nil
		}

		idx, ok := rs.pick(chosen, poolSize)
		if !ok {
			// Every index in a pool smaller than the cycle is used up.
			chosen = nil
			idx = rs.intn(poolSize)
		}

		picked = idx
		return append(chosen, idx)
	})
	if err != nil {
		return 0, err
	}

	return picked, nil
}

func (rs *RoundSelector) pick(chosen []int, poolSize int) (int, bool) {
	for range maxRejections {
		idx := rs.intn(poolSize)
		if !slices.Contains(chosen, idx) {
			return idx, true
		}
	}

	complement := make([]int, 0, poolSize)
	for i := range poolSize {
		if !slices.Contains(chosen, i) {
			complement = append(complement, i)
		}
	}
	if len(complement) == 0 {
		return 0, false
	}

	return complement[rs.intn(len(complement))], true
}

type roundSession struct {
	chosen     []int
	lastActive time.Time
}

// memoryRounds keeps round sessions in process memory. Sessions idle for
// longer than idleTimeout are dropped by a background reaper.
type memoryRounds struct {
	mu          sync.Mutex
	sessions    map[string]*roundSession
	idleTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

func newMemoryRounds(idleTimeout time.Duration) *memoryRounds {
	m := &memoryRounds{
		sessions:    make(map[string]*roundSession),
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

func (m *memoryRounds) update(ctx context.Context, key string, fn func(chosen []int) []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &roundSession{}
		m.sessions[key] = s
	}

	s.chosen = fn(slices.Clone(s.chosen))
	s.lastActive = time.Now()

	return nil
}

func (m *memoryRounds) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// reap removes sessions last used before cutoff.
func (m *memoryRounds) reap(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.sessions {
		if s.lastActive.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

func (m *memoryRounds) reaperLoop() {
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reap(time.Now().Add(-m.idleTimeout))
		}
	}
}

func (m *memoryRounds) close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}
