package auth

import (
	"context"
	"sync"
	"time"
)

// DefaultUserCutoffTTL is how long a "revoke everything for this user"
// marker is kept. It should exceed the realm's longest access-token lifetime.
const DefaultUserCutoffTTL = 24 * time.Hour

// TokenRef identifies a validated token for revocation checks.
type TokenRef struct {
	JTI      string
	Subject  string
	IssuedAt time.Time
}

func refFromClaims(c *TokenClaims) TokenRef {
	ref := TokenRef{JTI: c.ID, Subject: c.Subject}
	if c.IssuedAt != nil {
		ref.IssuedAt = c.IssuedAt.Time
	}
	return ref
}

// RevocationInfo is a public representation of a revocation entry.
type RevocationInfo struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevocationStore is a deny-list of tokens consulted after validation.
type RevocationStore interface {
	// Revoke denies a single token until expiresAt, when it would have
	// expired anyway.
	Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error
	// RevokeAllForUser denies every token for userID issued at or before
	// now and returns how many individually revoked tokens it knows of.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	IsRevoked(ctx context.Context, ref TokenRef) (bool, error)
	Entries(ctx context.Context) ([]RevocationInfo, error)
}

type revocationEntry struct {
	ExpiresAt time.Time
	UserID    string
}

// MemoryRevocationStore keeps revocations in process memory. Expired entries
// are removed by a background goroutine every five minutes.
type MemoryRevocationStore struct {
	mu          sync.RWMutex
	entries     map[string]revocationEntry // JTI -> entry
	userJTIs    map[string][]string        // userID -> []JTI
	userCutoffs map[string]time.Time       // userID -> revoked-before
	cutoffTTL   time.Duration
	now         func() time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

// NewMemoryRevocationStore creates a store and starts its cleanup loop.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	s := &MemoryRevocationStore{
		entries:     make(map[string]revocationEntry),
		userJTIs:    make(map[string][]string),
		userCutoffs: make(map[string]time.Time),
		cutoffTTL:   DefaultUserCutoffTTL,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, jti, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[jti] = revocationEntry{ExpiresAt: expiresAt, UserID: userID}
	if userID != "" {
		s.userJTIs[userID] = append(s.userJTIs[userID], jti)
	}
	return nil
}

func (s *MemoryRevocationStore) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userCutoffs[userID] = s.now()

	count := 0
	for _, jti := range s.userJTIs[userID] {
		if _, ok := s.entries[jti]; ok {
			count++
		}
	}
	return count, nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, ref TokenRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref.JTI != "" {
		if _, ok := s.entries[ref.JTI]; ok {
			return true, nil
		}
	}
	if cutoff, ok := s.userCutoffs[ref.Subject]; ok && ref.Subject != "" {
		return !ref.IssuedAt.After(cutoff), nil
	}
	return false, nil
}

// Entries returns a snapshot of the individually revoked tokens.
func (s *MemoryRevocationStore) Entries(_ context.Context) ([]RevocationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]RevocationInfo, 0, len(s.entries))
	for jti, entry := range s.entries {
		result = append(result, RevocationInfo{
			JTI:       jti,
			UserID:    entry.UserID,
			ExpiresAt: entry.ExpiresAt,
		})
	}
	return result, nil
}

// Count returns the number of individually revoked tokens.
func (s *MemoryRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryRevocationStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryRevocationStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops entries for tokens past their natural expiry and user
// cutoffs older than the cutoff TTL.
func (s *MemoryRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, entry := range s.entries {
		if !now.After(entry.ExpiresAt) {
			continue
		}
		delete(s.entries, jti)

		if entry.UserID == "" {
			continue
		}
		jtis := s.userJTIs[entry.UserID]
		for i, id := range jtis {
			if id == jti {
				s.userJTIs[entry.UserID] = append(jtis[:i], jtis[i+1:]...)
				break
			}
		}
		if len(s.userJTIs[entry.UserID]) == 0 {
			delete(s.userJTIs, entry.UserID)
		}
	}

	for userID, cutoff := range s.userCutoffs {
		if now.Sub(cutoff) > s.cutoffTTL {
			delete(s.userCutoffs, userID)
		}
	}
}
