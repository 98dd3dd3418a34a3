// Package registry implements the Source Registry (spec §4.9): it
// registers order producers, stamps inbound orders with a validated source,
// authenticates BOT/API sources via a bearer JWT, and tracks per-source
// activity counters.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trading-core/internal/types"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownSource is returned when a source is unrecognized and
	// dynamic auto-registration is disabled.
	ErrUnknownSource = errors.New("registry: unknown source")
	// ErrMissingRequiredField is returned when a kind's required-field
	// schema rejects a registration payload.
	ErrMissingRequiredField = errors.New("registry: missing required field")
	// ErrInvalidToken is returned by Authenticate for a malformed, expired,
	// or wrong-signature bearer token.
	ErrInvalidToken = errors.New("registry: invalid token")
)

// requiredFields is the small per-kind registration schema (§4.9).
var requiredFields = map[types.SourceKind][]string{
	types.SourceBot:      {"id", "name", "version", "strategy"},
	types.SourceManual:   {"id"},
	types.SourceAPI:      {"id", "name"},
	types.SourceStrategy: {"id", "name", "version"},
	types.SourceExternal: {"id"},
}

// sourceClaims is the JWT payload a BOT/API source presents to register or
// submit orders, grounded on the teacher's UserClaims/generateToken pair
// (internal/api/auth.go), repurposed from a logged-in user subject to a
// registered source subject.
type sourceClaims struct {
	SourceID string          `json:"sid"`
	Kind     types.SourceKind `json:"kind"`
	jwt.RegisteredClaims
}

// Config bounds the registry's JWT secret and auto-registration policy.
type Config struct {
	JWTSecret        string
	TokenTTL         time.Duration
	AutoRegister     bool
	RollingDayWindow time.Duration
}

// DefaultConfig enables auto-registration with a 24h token TTL.
func DefaultConfig() Config {
	return Config{TokenTTL: 24 * time.Hour, AutoRegister: true, RollingDayWindow: 24 * time.Hour}
}

type sourceState struct {
	source       types.Source
	dailyCount   uint64
	dailyResetAt time.Time
}

// Registry owns the Source table.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, sources: make(map[string]*sourceState)}
}

// IssueToken signs a bearer token for a source, used by the source's own
// onboarding flow (out of band from order submission).
func (r *Registry) IssueToken(sourceID string, kind types.SourceKind) (string, time.Time, error) {
	expiresAt := time.Now().Add(r.cfg.TokenTTL)
	claims := sourceClaims{
		SourceID: sourceID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sourceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(r.cfg.JWTSecret))
	return signed, expiresAt, err
}

// Authenticate verifies a bearer token and returns the source ID and kind it
// was issued for.
func (r *Registry) Authenticate(tokenStr string) (sourceID string, kind types.SourceKind, err error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sourceClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*sourceClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	return claims.SourceID, claims.Kind, nil
}

// Register validates fields against the kind's schema and creates (or
// replaces) a Source entry in ACTIVE status.
func (r *Registry) Register(id string, kind types.SourceKind, fields map[string]string) (types.Source, error) {
	for _, required := range requiredFields[kind] {
		if fields[required] == "" {
			return types.Source{}, fmt.Errorf("%w: %s", ErrMissingRequiredField, required)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	src := types.Source{ID: id, Kind: kind, Status: types.SourceActive, LastActivity: time.Now()}
	r.sources[id] = &sourceState{source: src, dailyResetAt: time.Now()}
	return src, nil
}

// Stamp resolves the Source for id, auto-registering a minimal entry if the
// registry allows dynamic registration and id is unknown (§4.9). It is the
// hook the Intake path uses to validate an order's source before admission.
func (r *Registry) Stamp(id string, kind types.SourceKind) (types.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sources[id]
	if !ok {
		if !r.cfg.AutoRegister {
			return types.Source{}, ErrUnknownSource
		}
		st = &sourceState{
			source:       types.Source{ID: id, Kind: kind, Status: types.SourceActive, LastActivity: time.Now()},
			dailyResetAt: time.Now(),
		}
		r.sources[id] = st
	}
	return st.source, nil
}

// RecordOutcome updates a source's counters after an order completes
// admission/dispatch (§4.9: orders total/success/rejected/cancelled).
func (r *Registry) RecordOutcome(id string, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sources[id]
	if !ok {
		return
	}
	r.rollDailyLocked(st)

	st.source.OrderCount++
	st.dailyCount++
	st.source.LastActivity = time.Now()
	if accepted {
		st.source.SuccessCount++
	} else {
		st.source.RejectCount++
	}
}

// RecordCancellation increments a source's cancelled-order counter (§4.9:
// orders total/success/rejected/cancelled). Called when a CANCEL order for
// the source is admitted, distinct from the accept/reject outcome of a new
// order.
func (r *Registry) RecordCancellation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sources[id]
	if !ok {
		return
	}
	r.rollDailyLocked(st)

	st.source.OrderCount++
	st.dailyCount++
	st.source.LastActivity = time.Now()
	st.source.CancelCount++
}

func (r *Registry) rollDailyLocked(st *sourceState) {
	if time.Since(st.dailyResetAt) >= r.cfg.RollingDayWindow {
		st.dailyCount = 0
		st.dailyResetAt = time.Now()
	}
}

// UpdateStatus transitions a source's lifecycle status (§4.9).
func (r *Registry) UpdateStatus(id string, status types.SourceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[id]
	if !ok {
		return ErrUnknownSource
	}
	st.source.Status = status
	return nil
}

// SourceStats is one source's exported statistics snapshot.
type SourceStats struct {
	types.Source
	DailyOrderCount uint64
}

// GetStatistics returns a snapshot of every registered source (§4.9).
func (r *Registry) GetStatistics() []SourceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]SourceStats, 0, len(r.sources))
	for _, st := range r.sources {
		stats = append(stats, SourceStats{Source: st.source, DailyOrderCount: st.dailyCount})
	}
	return stats
}

// Get returns a single source's snapshot.
func (r *Registry) Get(id string) (types.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sources[id]
	if !ok {
		return types.Source{}, false
	}
	return st.source, true
}
