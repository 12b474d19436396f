package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// fakeSequence returns preset sequence values or a preset error.
type fakeSequence struct {
	next int64
	err  error
}

func (f *fakeSequence) NextGroupSequence(ctx context.Context, botID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}

func newTestAllocator(t *testing.T, seq SequenceSource) *Allocator {
	t.Helper()
	a, err := NewAllocator("alpha-bot", seq, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	return a
}

// TestAllocateResolveRoundTrip verifies that Resolve is the exact inverse of
// Allocate for every slot and counter value.
func TestAllocateResolveRoundTrip(t *testing.T) {
	a := newTestAllocator(t, nil)

	for slot := MinSlot; slot <= MaxSlot; slot++ {
		for counter := 0; counter <= MaxCounter; counter++ {
			magic, err := a.Allocate(slot, counter)
			if err != nil {
				t.Fatalf("Allocate(%d,%d) failed: %v", slot, counter, err)
			}
			id, err := a.Resolve(magic)
			if err != nil {
				t.Fatalf("Resolve(%d) failed: %v", magic, err)
			}
			if id.Slot != slot || id.Counter != counter || id.BotHash != a.BotHash() {
				t.Fatalf("Resolve(%d) = %+v, want slot=%d counter=%d hash=%d",
					magic, id, slot, counter, a.BotHash())
			}
		}
	}
}

// TestAllocateGroupDistinctMagics verifies that the three slots of a group
// receive distinct magic numbers sharing counter and hash.
func TestAllocateGroupDistinctMagics(t *testing.T) {
	a := newTestAllocator(t, nil)

	magics, err := a.AllocateGroup(42)
	if err != nil {
		t.Fatalf("AllocateGroup failed: %v", err)
	}

	seen := make(map[int64]bool)
	for i, magic := range magics {
		if seen[magic] {
			t.Fatalf("duplicate magic %d", magic)
		}
		seen[magic] = true

		id, err := a.Resolve(magic)
		if err != nil {
			t.Fatalf("Resolve(%d) failed: %v", magic, err)
		}
		if id.Slot != i+1 {
			t.Errorf("magic %d: got slot %d, want %d", magic, id.Slot, i+1)
		}
		if id.Counter != 42 {
			t.Errorf("magic %d: got counter %d, want 42", magic, id.Counter)
		}
	}
}

// TestAllocateValidation verifies slot and counter bounds.
func TestAllocateValidation(t *testing.T) {
	a := newTestAllocator(t, nil)

	for _, slot := range []int{0, 4, -1} {
		if _, err := a.Allocate(slot, 0); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("slot %d: got err=%v, want ErrInvalidSlot", slot, err)
		}
	}
	for _, counter := range []int{-1, MaxCounter + 1} {
		if _, err := a.Allocate(1, counter); !errors.Is(err, ErrInvalidCounter) {
			t.Errorf("counter %d: got err=%v, want ErrInvalidCounter", counter, err)
		}
	}
}

// TestResolveForeignMagic verifies that a magic number issued by a different
// bot is recognised and rejected.
func TestResolveForeignMagic(t *testing.T) {
	a := newTestAllocator(t, nil)
	other, err := NewAllocator("beta-bot", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	if a.BotHash() == other.BotHash() {
		t.Skip("hash collision between test bot IDs")
	}

	magic, err := other.Allocate(2, 7)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if _, err := a.Resolve(magic); !errors.Is(err, ErrForeignMagic) {
		t.Errorf("got err=%v, want ErrForeignMagic", err)
	}
	if a.Owns(magic) {
		t.Error("Owns should be false for a foreign magic")
	}
	if !other.Owns(magic) {
		t.Error("issuing bot should own its magic")
	}
}

// TestResolveInvalidMagic verifies values outside the encodable range are
// rejected rather than misattributed.
func TestResolveInvalidMagic(t *testing.T) {
	a := newTestAllocator(t, nil)

	for _, magic := range []int64{0, 1, 999, 99999999999} {
		if _, err := a.Resolve(magic); !errors.Is(err, ErrInvalidMagic) {
			t.Errorf("magic %d: got err=%v, want ErrInvalidMagic", magic, err)
		}
	}

	// A value with a plausible hash but an impossible slot field.
	bad := int64(a.BotHash())*10000 + 9*100 + 1
	if _, err := a.Resolve(bad); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("magic %d: got err=%v, want ErrInvalidMagic", bad, err)
	}
}

// TestBotHashStable verifies the bot hash is deterministic and in range.
func TestBotHashStable(t *testing.T) {
	first := BotHash("alpha-bot")
	for i := 0; i < 10; i++ {
		if got := BotHash("alpha-bot"); got != first {
			t.Fatalf("BotHash not deterministic: %d vs %d", got, first)
		}
	}
	if first < 10000 || first > 99999 {
		t.Errorf("BotHash out of five-digit range: %d", first)
	}
	if BotHash("alpha-bot") == BotHash("gamma-bot") {
		t.Log("hash collision between alpha-bot and gamma-bot (acceptable, just noting)")
	}
}

// TestNextGroupCounterFromSequence verifies the shared sequence source is
// preferred and values are reduced modulo the counter range.
func TestNextGroupCounterFromSequence(t *testing.T) {
	seq := &fakeSequence{next: 197} // first draw returns 198
	a := newTestAllocator(t, seq)

	got := a.NextGroupCounter(context.Background())
	if got != 98 {
		t.Errorf("got counter %d, want 98 (198 mod 100)", got)
	}
	if a.UsingLocalFallback() {
		t.Error("should not report local fallback when sequence source works")
	}
}

// TestNextGroupCounterFallback verifies the allocator degrades to a local
// counter when the sequence source fails, and keeps values in range.
func TestNextGroupCounterFallback(t *testing.T) {
	seq := &fakeSequence{err: errors.New("redis down")}
	a := newTestAllocator(t, seq)

	prev := -1
	for i := 0; i < 250; i++ {
		got := a.NextGroupCounter(context.Background())
		if got < 0 || got > MaxCounter {
			t.Fatalf("counter %d out of range", got)
		}
		if prev >= 0 && got != (prev+1)%100 {
			t.Fatalf("local counter not sequential: %d after %d", got, prev)
		}
		prev = got
	}
	if !a.UsingLocalFallback() {
		t.Error("should report local fallback after sequence source failure")
	}
}

// TestNewAllocatorEmptyBotID verifies the bot ID is mandatory.
func TestNewAllocatorEmptyBotID(t *testing.T) {
	if _, err := NewAllocator("", nil, zerolog.Nop()); !errors.Is(err, ErrEmptyBotID) {
		t.Errorf("got err=%v, want ErrEmptyBotID", err)
	}
}
