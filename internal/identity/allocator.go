// Package identity encodes bot, slot and group ownership into the magic
// number attached to every broker order. The encoding is invertible, so any
// position observed at the broker can be traced back to the slot and group
// that placed it, or rejected as foreign.
package identity

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// Slot and counter each occupy two decimal digits of the magic number.
	slotDigits    = 100
	counterDigits = 100

	// MinSlot and MaxSlot bound the slot field. Slot 1 carries the nearest
	// target, slot 3 the furthest.
	MinSlot = 1
	MaxSlot = 3

	// MaxCounter is the largest group counter value; counters wrap back to
	// zero past it.
	MaxCounter = counterDigits - 1

	// Bot hashes occupy five digits so the full magic number stays inside
	// a signed 32-bit integer: 99999*10000 + 399 < 2^31.
	botHashFloor = 10000
	botHashSpan  = 90000
)

// Errors for magic number operations.
var (
	ErrEmptyBotID     = errors.New("bot ID cannot be empty")
	ErrInvalidSlot    = errors.New("slot must be between 1 and 3")
	ErrForeignMagic   = errors.New("magic number does not belong to this bot")
	ErrInvalidMagic   = errors.New("magic number is outside the encodable range")
	ErrInvalidCounter = errors.New("group counter is outside the encodable range")
)

// SequenceSource supplies monotonically increasing group sequence numbers.
// Implementations are expected to survive restarts (Redis INCR); the
// allocator falls back to a process-local random start when the source is
// unavailable.
type SequenceSource interface {
	NextGroupSequence(ctx context.Context, botID string) (int64, error)
}

// Identity is the decoded form of a magic number.
type Identity struct {
	BotHash int `json:"bot_hash"`
	Slot    int `json:"slot"`
	Counter int `json:"counter"`
}

// Allocator assigns magic numbers of the form HHHHHSSCC, where HHHHH is the
// bot hash, SS the slot (01..03) and CC the group counter (00..99).
type Allocator struct {
	botID   string
	botHash int
	seq     SequenceSource
	logger  zerolog.Logger

	mu            sync.Mutex
	localCounter  int64
	localFallback bool
}

// NewAllocator creates an allocator for the given bot. seq may be nil, in
// which case counters start from a random offset and advance locally.
func NewAllocator(botID string, seq SequenceSource, logger zerolog.Logger) (*Allocator, error) {
	if botID == "" {
		return nil, ErrEmptyBotID
	}
	return &Allocator{
		botID:        botID,
		botHash:      BotHash(botID),
		seq:          seq,
		logger:       logger.With().Str("component", "identity_allocator").Logger(),
		localCounter: rand.Int63n(counterDigits),
	}, nil
}

// BotHash derives the five-digit hash for a bot ID. The mapping is stable
// across restarts and hosts.
func BotHash(botID string) int {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return botHashFloor + int(h.Sum32()%botHashSpan)
}

// BotHash returns the allocator's own bot hash.
func (a *Allocator) BotHash() int {
	return a.botHash
}

// NextGroupCounter draws the next group counter, preferring the shared
// sequence source and degrading to a local counter when it fails. The value
// always lands in [0, MaxCounter].
func (a *Allocator) NextGroupCounter(ctx context.Context) int {
	if a.seq != nil {
		seq, err := a.seq.NextGroupSequence(ctx, a.botID)
		if err == nil {
			a.mu.Lock()
			a.localFallback = false
			a.mu.Unlock()
			return int(seq % counterDigits)
		}
		a.logger.Warn().Err(err).Msg("Sequence source unavailable, using local group counter")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.localFallback = true
	a.localCounter++
	return int(a.localCounter % counterDigits)
}

// UsingLocalFallback reports whether the last counter came from the local
// fallback rather than the shared sequence source.
func (a *Allocator) UsingLocalFallback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localFallback
}

// Allocate encodes a magic number for a slot within a group counter.
func (a *Allocator) Allocate(slot, counter int) (int64, error) {
	if slot < MinSlot || slot > MaxSlot {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidSlot, slot)
	}
	if counter < 0 || counter > MaxCounter {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidCounter, counter)
	}
	return int64(a.botHash)*slotDigits*counterDigits + int64(slot)*counterDigits + int64(counter), nil
}

// AllocateGroup encodes the three magic numbers of one group, slot order
// 1, 2, 3.
func (a *Allocator) AllocateGroup(counter int) ([3]int64, error) {
	var magics [3]int64
	for slot := MinSlot; slot <= MaxSlot; slot++ {
		magic, err := a.Allocate(slot, counter)
		if err != nil {
			return magics, err
		}
		magics[slot-1] = magic
	}
	return magics, nil
}

// Resolve decodes a magic number. It returns ErrForeignMagic when the bot
// hash does not match this allocator, and ErrInvalidMagic when the digits
// cannot be a valid encoding at all.
func (a *Allocator) Resolve(magic int64) (Identity, error) {
	id, err := Decode(magic)
	if err != nil {
		return Identity{}, err
	}
	if id.BotHash != a.botHash {
		return Identity{}, fmt.Errorf("%w: magic %d has hash %d, bot %q has hash %d",
			ErrForeignMagic, magic, id.BotHash, a.botID, a.botHash)
	}
	return id, nil
}

// Owns reports whether a magic number was issued by this bot.
func (a *Allocator) Owns(magic int64) bool {
	_, err := a.Resolve(magic)
	return err == nil
}

// Decode splits a magic number into its fields without ownership checks.
func Decode(magic int64) (Identity, error) {
	if magic < int64(botHashFloor)*slotDigits*counterDigits ||
		magic >= int64(botHashFloor+botHashSpan)*slotDigits*counterDigits {
		return Identity{}, fmt.Errorf("%w: %d", ErrInvalidMagic, magic)
	}
	counter := int(magic % counterDigits)
	slot := int(magic / counterDigits % slotDigits)
	hash := int(magic / (slotDigits * counterDigits))
	if slot < MinSlot || slot > MaxSlot {
		return Identity{}, fmt.Errorf("%w: %d encodes slot %d", ErrInvalidMagic, magic, slot)
	}
	return Identity{BotHash: hash, Slot: slot, Counter: counter}, nil
}
