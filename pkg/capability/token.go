// Package capability implements the Capability Token Service (component
// C5): it mints short-lived, single-use bearer tokens scoping exactly one
// action, and validates/consumes them through an atomic replay ledger keyed
// by (boot_key_id, token_id).
package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/boot"
	"github.com/default-user/mathison/pkg/contracts"
)

// claims is the JWT envelope for a capability token, HS256-signed with the
// process boot key.
type claims struct {
	jwt.RegisteredClaims
	ActionID    string                    `json:"action_id"`
	Actor       string                    `json:"actor"`
	MaxUses     int                       `json:"max_uses"`
	Constraints contracts.TokenConstraints `json:"constraints,omitempty"`
	BootKeyID   string                    `json:"boot_key_id"`
}

// MintParams are the inputs to Mint.
type MintParams struct {
	ActionID    string
	Actor       string
	TTL         time.Duration
	MaxUses     int // defaults to 1 (single-use) when zero
	Constraints contracts.TokenConstraints
}

// ValidateParams govern how Validate checks a token against its call site.
type ValidateParams struct {
	ExpectedActionID string
	ExpectedActor    string
	IncrementUse     bool
}

// ValidationResult reports the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

const (
	ReasonTokenReplayed      = "TOKEN_REPLAYED"
	ReasonUnregisteredAction = "UNREGISTERED_ACTION"
)

// ledgerEntry tracks replay-consumption state for a single minted token:
// uses counts successful IncrementUse consumptions so far, against the
// token's own max_uses (spec §3: "at most max_uses valid consumptions").
type ledgerEntry struct {
	uses      int
	maxUses   int
	expiresAt time.Time
}

// Service mints and validates capability tokens for one boot session.
type Service struct {
	key      *boot.Key
	registry *actions.Registry
	grace    time.Duration

	mu     sync.Mutex
	ledger map[string]*ledgerEntry // key: boot_key_id + ":" + token_id
}

// NewService constructs a Capability Token Service bound to the current
// boot key and the process-wide Action Registry.
func NewService(key *boot.Key, registry *actions.Registry, grace time.Duration) *Service {
	return &Service{key: key, registry: registry, grace: grace, ledger: make(map[string]*ledgerEntry)}
}

// Mint issues a new token for action_id, failing if the action is
// unregistered.
func (s *Service) Mint(p MintParams) (contracts.CapabilityToken, string, error) {
	if err := s.registry.Validate(p.ActionID); err != nil {
		return contracts.CapabilityToken{}, "", err
	}
	maxUses := p.MaxUses
	if maxUses == 0 {
		maxUses = 1
	}
	now := time.Now().UTC()
	tokenID := uuid.NewString()
	expiresAt := now.Add(p.TTL)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   p.Actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "mathison/capability",
		},
		ActionID:    p.ActionID,
		Actor:       p.Actor,
		MaxUses:     maxUses,
		Constraints: p.Constraints,
		BootKeyID:   s.key.BootKeyID(),
	}
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := jwtToken.SignedString(s.key.HMACKeyBytes())
	if err != nil {
		return contracts.CapabilityToken{}, "", fmt.Errorf("capability: sign token: %w", err)
	}

	token := contracts.CapabilityToken{
		TokenID:     tokenID,
		ActionID:    p.ActionID,
		Actor:       p.Actor,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		MaxUses:     maxUses,
		Constraints: p.Constraints,
		BootKeyID:   s.key.BootKeyID(),
		Signature:   signed,
	}

	s.mu.Lock()
	s.ledger[s.ledgerKey(token.TokenID)] = &ledgerEntry{maxUses: maxUses, expiresAt: expiresAt.Add(s.grace)}
	s.mu.Unlock()

	return token, signed, nil
}

// Validate checks signature, boot-session match, expiry, and action/actor
// binding, and — when IncrementUse is set — atomically marks the token
// spent. A second IncrementUse on the same token yields TOKEN_REPLAYED.
func (s *Service) Validate(tokenString string, p ValidateParams) ValidationResult {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		return s.key.HMACKeyBytes(), nil
	})
	if err != nil || !parsed.Valid {
		return ValidationResult{Errors: []string{"signature invalid"}}
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return ValidationResult{Errors: []string{"malformed claims"}}
	}

	var errs []string
	if c.BootKeyID != s.key.BootKeyID() {
		errs = append(errs, "token minted in a different boot session")
	}
	if err := s.registry.Validate(c.ActionID); err != nil {
		errs = append(errs, ReasonUnregisteredAction)
	}
	if c.ActionID != p.ExpectedActionID {
		errs = append(errs, "action_id mismatch")
	}
	if p.ExpectedActor != "" && c.Actor != p.ExpectedActor {
		errs = append(errs, "actor mismatch")
	}
	// Expiry is checked against wall clock at consume time, not mint time, so
	// clock skew between mint and use only matters once it exceeds TTL.
	if time.Now().UTC().After(c.ExpiresAt.Time) {
		errs = append(errs, "token expired")
	}

	if len(errs) > 0 {
		return ValidationResult{Errors: errs}
	}

	if p.IncrementUse {
		if err := s.consume(c.BootKeyID, c.ID, c.MaxUses); err != nil {
			return ValidationResult{Errors: []string{err.Error()}}
		}
	}

	return ValidationResult{Valid: true}
}

// consume atomically records one use of tokenID against maxUses, the value
// carried in the token's own claims. A token is valid for up to maxUses
// IncrementUse consumptions; the (maxUses+1)th and beyond are replays.
func (s *Service) consume(bootKeyID, tokenID string, maxUses int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bootKeyID + ":" + tokenID
	entry, ok := s.ledger[key]
	if !ok {
		// Token minted before process restart, or ledger was swept; treat as
		// first use rather than silently allowing unlimited replays.
		entry = &ledgerEntry{maxUses: maxUses}
		s.ledger[key] = entry
	}
	if entry.maxUses <= 0 {
		entry.maxUses = 1
	}
	if entry.uses >= entry.maxUses {
		return fmt.Errorf(ReasonTokenReplayed)
	}
	entry.uses++
	return nil
}

func (s *Service) ledgerKey(tokenID string) string {
	return s.key.BootKeyID() + ":" + tokenID
}

// Sweep purges ledger entries past their expiry + grace window. Intended to
// run periodically from a background goroutine started by pkg/runtime.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entry := range s.ledger {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.ledger, key)
			purged++
		}
	}
	return purged
}

// RunSweeper starts a background sweeper that purges expired ledger entries
// every interval until stop is closed.
func (s *Service) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
