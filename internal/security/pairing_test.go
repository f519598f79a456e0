package security

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// fakePairStore is an in-memory PairStore.
type fakePairStore struct {
	mu      sync.Mutex
	paired  map[string]time.Time // channel:user -> expiry (zero = never)
	failErr error
}

func newFakePairStore() *fakePairStore {
	return &fakePairStore{paired: make(map[string]time.Time)}
}

func (f *fakePairStore) Pair(_ context.Context, channel, userID string, ttl time.Duration) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.paired[channel+":"+userID] = exp
	return nil
}

func (f *fakePairStore) IsPaired(_ context.Context, channel, userID string) (bool, error) {
	if f.failErr != nil {
		return false, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.paired[channel+":"+userID]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && exp.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (f *fakePairStore) Unpair(_ context.Context, channel, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paired, channel+":"+userID)
	return nil
}

func testPairingLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPairingService_NotRequired(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: false,
		Logger:   testPairingLogger(),
	})

	paired, err := ps.IsPaired(context.Background(), "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("when pairing not required, all senders should be considered paired")
	}
}

func TestPairingService_GenerateCode(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Logger:   testPairingLogger(),
	})

	code := ps.GenerateCode("telegram", "user1")
	if len(code) != 6 {
		t.Errorf("expected 6-digit code, got %q", code)
	}

	// All digits
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code contains non-digit: %c", c)
		}
	}
}

func TestPairingService_GenerateCode_Unique(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Logger:   testPairingLogger(),
	})

	codes := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := ps.GenerateCode("telegram", "user1")
		codes[code] = true
	}
	// With 100 random 6-digit codes, we should see at least some variety
	if len(codes) < 5 {
		t.Error("codes seem not very random")
	}
}

func TestPairingService_VerifyCode_Success(t *testing.T) {
	store := newFakePairStore()
	ps := NewPairingService(PairingConfig{
		Required: true,
		TTLDays:  30,
		Store:    store,
		Logger:   testPairingLogger(),
	})

	code := ps.GenerateCode("telegram", "user1")
	ok, err := ps.VerifyCode(context.Background(), "telegram", "user1", code)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid code should verify successfully")
	}

	// After verification, sender should be paired
	paired, err := ps.IsPaired(context.Background(), "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("sender should be paired after code verification")
	}
}

func TestPairingService_VerifyCode_WrongCode(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Store:    newFakePairStore(),
		Logger:   testPairingLogger(),
	})

	ps.GenerateCode("telegram", "user1")
	ok, err := ps.VerifyCode(context.Background(), "telegram", "user1", "000000")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong code should not verify")
	}
}

func TestPairingService_VerifyCode_NoPending(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Store:    newFakePairStore(),
		Logger:   testPairingLogger(),
	})

	ok, err := ps.VerifyCode(context.Background(), "telegram", "stranger", "123456")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("verification without a pending code should fail")
	}
}

func TestPairingService_VerifyCode_SingleUse(t *testing.T) {
	store := newFakePairStore()
	ps := NewPairingService(PairingConfig{
		Required: true,
		Store:    store,
		Logger:   testPairingLogger(),
	})

	code := ps.GenerateCode("telegram", "user1")
	if ok, _ := ps.VerifyCode(context.Background(), "telegram", "user1", code); !ok {
		t.Fatal("first redemption should succeed")
	}
	if ok, _ := ps.VerifyCode(context.Background(), "telegram", "user1", code); ok {
		t.Error("codes must be single use")
	}
}

func TestPairingService_VerifyCode_Expired(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Store:    newFakePairStore(),
		Logger:   testPairingLogger(),
	})

	code := ps.GenerateCode("telegram", "user1")

	// Age the pending code past its TTL
	ps.mu.Lock()
	pc := ps.pendingCodes["telegram:user1"]
	pc.ExpiresAt = time.Now().Add(-time.Minute)
	ps.pendingCodes["telegram:user1"] = pc
	ps.mu.Unlock()

	ok, err := ps.VerifyCode(context.Background(), "telegram", "user1", code)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired code should not verify")
	}
}

func TestPairingService_Unpair(t *testing.T) {
	store := newFakePairStore()
	ps := NewPairingService(PairingConfig{
		Required: true,
		Store:    store,
		Logger:   testPairingLogger(),
	})

	code := ps.GenerateCode("telegram", "user1")
	ps.VerifyCode(context.Background(), "telegram", "user1", code)

	if err := ps.Unpair(context.Background(), "telegram", "user1"); err != nil {
		t.Fatal(err)
	}
	paired, _ := ps.IsPaired(context.Background(), "telegram", "user1")
	if paired {
		t.Error("sender should not be paired after unpair")
	}
}

func TestPairingService_CleanExpiredCodes(t *testing.T) {
	ps := NewPairingService(PairingConfig{
		Required: true,
		Logger:   testPairingLogger(),
	})

	ps.GenerateCode("telegram", "keep")
	ps.GenerateCode("telegram", "drop")

	ps.mu.Lock()
	pc := ps.pendingCodes["telegram:drop"]
	pc.ExpiresAt = time.Now().Add(-time.Minute)
	ps.pendingCodes["telegram:drop"] = pc
	ps.mu.Unlock()

	ps.CleanExpiredCodes()

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if _, ok := ps.pendingCodes["telegram:keep"]; !ok {
		t.Error("unexpired code should survive cleanup")
	}
	if _, ok := ps.pendingCodes["telegram:drop"]; ok {
		t.Error("expired code should be cleaned up")
	}
}
