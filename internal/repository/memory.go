package repository

import (
	"context"
	"sync"
	"time"
)

type memBucket struct {
	count   int
	resetAt time.Time
}

type memoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	maxKeys int
}

// NewMemoryRateStore returns an in-memory RateStore. maxKeys bounds the map
// advisorily: when exceeded, buckets whose window has elapsed are swept; live
// buckets are never evicted.
func NewMemoryRateStore(maxKeys int) RateStore {
	return &memoryRateStore{
		buckets: make(map[string]*memBucket),
		maxKeys: maxKeys,
	}
}

func (m *memoryRateStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		if !ok && m.maxKeys > 0 && len(m.buckets) >= m.maxKeys {
			m.sweep(now)
		}
		b = &memBucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}
	if b.count >= limit {
		return Decision{Remaining: 0, RetryAfterSeconds: retryAfter(b.resetAt, now)}, nil
	}
	b.count++
	return Decision{Allowed: true, Remaining: limit - b.count}, nil
}

// sweep removes expired buckets only; callers hold the lock.
func (m *memoryRateStore) sweep(now time.Time) {
	for k, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, k)
		}
	}
}

func retryAfter(resetAt, now time.Time) int {
	secs := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	txIndex  map[string]string // txHash -> session id
}

// NewMemorySessionStore returns an in-memory SessionStore for single-instance
// deployments and tests.
func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions: make(map[string]*Session),
		txIndex:  make(map[string]string),
	}
}

func (m *memorySessionStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if other.DepositAddress == s.DepositAddress &&
			other.AmountBaseUnits == s.AmountBaseUnits &&
			!other.Status.Terminal() {
			return ErrAmountInUse
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessionStore) BindTx(ctx context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if owner, bound := m.txIndex[txHash]; bound && owner != id {
		return ErrTxBound
	}
	if s.TxHash != "" && s.TxHash != txHash {
		return ErrTxBound
	}
	m.txIndex[txHash] = id
	s.TxHash = txHash
	return nil
}

func (m *memorySessionStore) SetConfirmations(ctx context.Context, id string, confirmations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Confirmations = confirmations
	return nil
}

func (m *memorySessionStore) CASStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	if to == StatusConfirmed {
		s.ConfirmedAt = time.Now()
	}
	return true, nil
}

func (m *memorySessionStore) MarkCredited(ctx context.Context, id string, credits int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != StatusConfirmed {
		return false, nil
	}
	s.Status = StatusCredited
	s.CreditsCredited = credits
	s.CreditedAt = at
	return true, nil
}
