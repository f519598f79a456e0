// Package security guards the gateway's chat surfaces: sender pairing with
// one-time codes, and redaction of secrets before text reaches logs or
// status output.
package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// PairStore persists pairing decisions. *history.Store satisfies it.
type PairStore interface {
	Pair(ctx context.Context, channel, userID string, ttl time.Duration) error
	IsPaired(ctx context.Context, channel, userID string) (bool, error)
	Unpair(ctx context.Context, channel, userID string) error
}

// PairingConfig configures the sender pairing system.
type PairingConfig struct {
	Required bool
	TTLDays  int
	Store    PairStore
	Logger   *slog.Logger
}

// PairingService manages sender pairing for channel security.
// Unpaired senders must provide a one-time code before the gateway
// forwards anything they say.
type PairingService struct {
	required bool
	ttlDays  int
	store    PairStore
	logger   *slog.Logger

	// pendingCodes maps "channel:userID" -> code for pending pairings.
	mu           sync.RWMutex
	pendingCodes map[string]pendingCode
}

type pendingCode struct {
	Code      string
	ExpiresAt time.Time
}

// codeTTL is how long a generated pairing code stays redeemable.
const codeTTL = 10 * time.Minute

// NewPairingService creates a new PairingService.
func NewPairingService(cfg PairingConfig) *PairingService {
	ttl := cfg.TTLDays
	if ttl <= 0 {
		ttl = 30
	}
	return &PairingService{
		required:     cfg.Required,
		ttlDays:      ttl,
		store:        cfg.Store,
		logger:       cfg.Logger,
		pendingCodes: make(map[string]pendingCode),
	}
}

// IsRequired returns whether pairing is required.
func (ps *PairingService) IsRequired() bool {
	return ps.required
}

// IsPaired checks if a sender is paired for the given channel. With pairing
// disabled everyone passes.
func (ps *PairingService) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	if !ps.required || ps.store == nil {
		return true, nil
	}
	ok, err := ps.store.IsPaired(ctx, channel, userID)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return ok, nil
}

// GenerateCode creates a 6-digit pairing code for the sender.
// The code expires after ten minutes.
func (ps *PairingService) GenerateCode(channel, userID string) string {
	code := generateSecureCode(6)
	key := fmt.Sprintf("%s:%s", channel, userID)

	ps.mu.Lock()
	ps.pendingCodes[key] = pendingCode{
		Code:      code,
		ExpiresAt: time.Now().Add(codeTTL),
	}
	ps.mu.Unlock()

	ps.logger.Info("pairing code generated", "channel", channel, "user_id", userID)
	return code
}

// VerifyCode verifies a pairing code and, if valid, pairs the sender.
func (ps *PairingService) VerifyCode(ctx context.Context, channel, userID, code string) (bool, error) {
	key := fmt.Sprintf("%s:%s", channel, userID)

	ps.mu.RLock()
	pending, exists := ps.pendingCodes[key]
	ps.mu.RUnlock()

	if !exists {
		return false, nil
	}

	if time.Now().After(pending.ExpiresAt) {
		ps.mu.Lock()
		delete(ps.pendingCodes, key)
		ps.mu.Unlock()
		return false, nil
	}

	if pending.Code != code {
		return false, nil
	}

	// Code matches, pair the sender.
	ps.mu.Lock()
	delete(ps.pendingCodes, key)
	ps.mu.Unlock()

	if ps.store != nil {
		ttl := time.Duration(ps.ttlDays) * 24 * time.Hour
		if err := ps.store.Pair(ctx, channel, userID, ttl); err != nil {
			return false, err
		}
	}

	ps.logger.Info("sender paired", "channel", channel, "user_id", userID)
	return true, nil
}

// Unpair removes a sender's pairing.
func (ps *PairingService) Unpair(ctx context.Context, channel, userID string) error {
	if ps.store == nil {
		return nil
	}
	return ps.store.Unpair(ctx, channel, userID)
}

// generateSecureCode generates a cryptographically random numeric code of the given length.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// Fallback to less secure but still functional
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}

// CleanExpiredCodes removes expired pending codes. Call periodically.
func (ps *PairingService) CleanExpiredCodes() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	for key, pc := range ps.pendingCodes {
		if now.After(pc.ExpiresAt) {
			delete(ps.pendingCodes, key)
		}
	}
}
