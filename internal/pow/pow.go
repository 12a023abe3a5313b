// Package pow issues and redeems proof-of-work challenges. A client must find
// a nonce whose SHA-256 over "challenge:nonce" carries enough leading hex
// zeros, which prices high-volume scraping without bothering real users.
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MeowExort/pw-hub-relics/internal/observability"
)

const (
	DefaultDifficulty = 3
	DefaultTTL        = 5 * time.Minute

	challengeLen  = 32 // hex chars
	sweepInterval = time.Minute
)

var (
	ErrUnknown = errors.New("unknown challenge")
	ErrExpired = errors.New("challenge expired")
	ErrInvalid = errors.New("invalid solution")
)

// Verify reports whether hex(SHA-256("challenge:nonce")) starts with
// difficulty zero characters. Pure, no state.
func Verify(challenge, nonce string, difficulty int) bool {
	if challenge == "" || nonce == "" {
		return false
	}
	sum := sha256.Sum256([]byte(challenge + ":" + nonce))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty))
}

type entry struct {
	createdAt time.Time
	ip        string
}

// Store is the in-memory registry of issued challenges. Each challenge is
// single-use and expires after ttl whether or not it was ever redeemed.
type Store struct {
	mu         sync.Mutex
	challenges map[string]entry
	difficulty int
	ttl        time.Duration

	now    func() time.Time
	done   chan struct{}
	once   sync.Once
	logger *observability.Logger

	metrics *observability.Metrics // optional
}

func NewStore(difficulty int, ttl time.Duration, logger *observability.Logger) *Store {
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{
		challenges: map[string]entry{},
		difficulty: difficulty,
		ttl:        ttl,
		now:        time.Now,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (s *Store) SetMetrics(m *observability.Metrics) { s.metrics = m }

func (s *Store) Difficulty() int { return s.difficulty }

// Issue creates a fresh challenge bound to the requesting IP. The token is
// the truncated hex SHA-256 of ip, issue time, and a random component.
func (s *Store) Issue(clientIP string) string {
	now := s.now()
	seed := clientIP + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	sum := sha256.Sum256([]byte(seed))
	challenge := hex.EncodeToString(sum[:])[:challengeLen]

	s.mu.Lock()
	s.challenges[challenge] = entry{createdAt: now, ip: clientIP}
	n := len(s.challenges)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ChallengesIssued.Inc()
		s.metrics.PendingChallenges.Set(float64(n))
	}
	s.logger.Debugw("pow challenge issued", "challenge", challenge[:8], "ip", clientIP)
	return challenge
}

// Redeem validates a solution against an issued challenge.
// Unknown token -> ErrUnknown. Past TTL -> the token is dropped and ErrExpired
// returned. A wrong nonce returns ErrInvalid and leaves the token in place so
// the client may retry until the TTL sweep takes it. On success the token is
// consumed; a second redemption of the same token fails with ErrUnknown.
func (s *Store) Redeem(challenge, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.challenges[challenge]
	if !ok {
		return ErrUnknown
	}
	if s.now().Sub(e.createdAt) > s.ttl {
		delete(s.challenges, challenge)
		return ErrExpired
	}
	if !Verify(challenge, nonce, s.difficulty) {
		return ErrInvalid
	}
	delete(s.challenges, challenge)
	return nil
}

// Len reports the number of live challenges.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Start launches the periodic expiry sweep; Stop cancels it.
func (s *Store) Start() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Store) Stop() {
	s.once.Do(func() { close(s.done) })
}

// Sweep drops every challenge older than the TTL regardless of use.
func (s *Store) Sweep() {
	now := s.now()

	s.mu.Lock()
	for challenge, e := range s.challenges {
		if now.Sub(e.createdAt) > s.ttl {
			delete(s.challenges, challenge)
		}
	}
	n := len(s.challenges)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PendingChallenges.Set(float64(n))
	}
	s.logger.Debugw("pow sweep", "pending", n)
}
