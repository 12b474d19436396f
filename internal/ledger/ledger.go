package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/internal/events"
)

// Ledger is the choke point for all position group state. Mutations take
// the write lock, persist through the repository first, and only then
// update the in-memory cache and publish events. Readers get copies.
type Ledger struct {
	mu     sync.RWMutex
	botID  string
	repo   Repository
	bus    *events.EventBus
	logger zerolog.Logger

	groups    map[string]*Group
	positions map[string][]*Position // keyed by group ID, slot order
	byMagic   map[int64]*Position
}

// NewLedger creates a ledger for one bot. bus may be nil in tests.
func NewLedger(botID string, repo Repository, bus *events.EventBus, logger zerolog.Logger) *Ledger {
	return &Ledger{
		botID:     botID,
		repo:      repo,
		bus:       bus,
		logger:    logger.With().Str("component", "ledger").Logger(),
		groups:    make(map[string]*Group),
		positions: make(map[string][]*Position),
		byMagic:   make(map[int64]*Position),
	}
}

// CreateGroup registers a new group with its positions, all in PENDING
// state. The repository write is atomic: either the group and every
// position land, or nothing does.
func (l *Ledger) CreateGroup(ctx context.Context, group *Group, positions []*Position) error {
	if group == nil || group.ID == "" {
		return fmt.Errorf("%w: missing group ID", ErrInvalidGroup)
	}
	if len(positions) < 1 || len(positions) > 3 {
		return fmt.Errorf("%w: group must carry 1 to 3 positions, got %d", ErrInvalidGroup, len(positions))
	}
	seen := make(map[int]bool)
	for _, p := range positions {
		if p.Slot < 1 || p.Slot > 3 || seen[p.Slot] {
			return fmt.Errorf("%w: bad slot layout", ErrInvalidGroup)
		}
		seen[p.Slot] = true
		if p.GroupID != group.ID {
			return fmt.Errorf("%w: position %d not bound to group", ErrInvalidGroup, p.Magic)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.groups[group.ID]; exists {
		return fmt.Errorf("%w: %s", ErrGroupExists, group.ID)
	}

	g := cloneGroup(group)
	ps := make([]*Position, len(positions))
	for i, p := range positions {
		ps[i] = clonePosition(p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Slot < ps[j].Slot })

	if err := l.repo.CreateGroup(ctx, g, ps); err != nil {
		return &PersistenceError{Op: "create_group", Err: err}
	}

	l.groups[g.ID] = g
	l.positions[g.ID] = ps
	for _, p := range ps {
		l.byMagic[p.Magic] = p
	}

	l.logger.Info().
		Str("group_id", g.ID).
		Str("symbol", g.Symbol).
		Str("side", string(g.Side)).
		Str("regime", string(g.Regime)).
		Int("counter", g.Counter).
		Int("positions", len(ps)).
		Msg("Group created")

	if l.bus != nil {
		l.bus.PublishGroupOpened(g.ID, g.Symbol, string(g.Side), string(g.Regime), g.Counter, g.EntryPrice)
	}
	return nil
}

// MarkPositionOpen confirms a pending position filled at the broker.
func (l *Ledger) MarkPositionOpen(ctx context.Context, magic int64, entryPrice float64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.byMagic[magic]
	if !ok {
		return fmt.Errorf("%w: magic %d", ErrPositionNotFound, magic)
	}
	if pos.Status != PositionStatusPending {
		return fmt.Errorf("cannot open position %d in status %s", magic, pos.Status)
	}

	next := clonePosition(pos)
	next.Status = PositionStatusOpen
	next.EntryPrice = entryPrice
	next.OpenedAt = timePtr(at)
	next.UpdatedAt = at

	if err := l.repo.UpdatePosition(ctx, next); err != nil {
		return &PersistenceError{Op: "mark_position_open", Err: err}
	}
	l.replacePosition(next)

	l.logger.Info().
		Int64("magic", magic).
		Int("slot", next.Slot).
		Float64("entry_price", entryPrice).
		Msg("Position opened")

	if l.bus != nil {
		l.bus.PublishPositionEvent(events.EventPositionOpened, next.GroupID, magic, next.Slot, entryPrice, "")
	}
	return nil
}

// MarkPositionRejected records a broker refusal for a pending position.
// When every slot of the group ends up terminal the group closes too.
func (l *Ledger) MarkPositionRejected(ctx context.Context, magic int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.byMagic[magic]
	if !ok {
		return fmt.Errorf("%w: magic %d", ErrPositionNotFound, magic)
	}
	if pos.Terminal() {
		return nil
	}

	next := clonePosition(pos)
	next.Status = PositionStatusRejected
	next.ClosedAt = timePtr(at)
	next.UpdatedAt = at

	if err := l.repo.UpdatePosition(ctx, next); err != nil {
		return &PersistenceError{Op: "mark_position_rejected", Err: err}
	}
	l.replacePosition(next)

	l.logger.Warn().
		Int64("magic", magic).
		Int("slot", next.Slot).
		Msg("Position rejected by broker")

	return l.closeGroupIfDoneLocked(ctx, next.GroupID, at)
}

// ClosePosition records a terminal close with a reason and price. Closing
// an already-terminal position is a no-op, so replayed broker events and
// reconciliation passes stay harmless.
func (l *Ledger) ClosePosition(ctx context.Context, magic int64, price float64, reason string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.byMagic[magic]
	if !ok {
		return fmt.Errorf("%w: magic %d", ErrPositionNotFound, magic)
	}
	if pos.Terminal() {
		l.logger.Debug().Int64("magic", magic).Str("reason", reason).Msg("Close on terminal position ignored")
		return nil
	}

	next := clonePosition(pos)
	next.Status = PositionStatusClosed
	next.ClosePrice = price
	next.CloseReason = reason
	next.ClosedAt = timePtr(at)
	next.UpdatedAt = at

	if err := l.repo.UpdatePosition(ctx, next); err != nil {
		return &PersistenceError{Op: "close_position", Err: err}
	}
	l.replacePosition(next)

	l.logger.Info().
		Int64("magic", magic).
		Int("slot", next.Slot).
		Str("reason", reason).
		Float64("close_price", price).
		Msg("Position closed")

	if l.bus != nil {
		l.bus.PublishPositionEvent(closeEventType(reason), next.GroupID, magic, next.Slot, price, reason)
	}

	// Slot 1 paying out at its target arms the trailing stop for the
	// remaining slots.
	if next.Slot == 1 && reason == CloseReasonTarget {
		if err := l.markFirstTargetHitLocked(ctx, next.GroupID, price, at); err != nil {
			return err
		}
	}

	return l.closeGroupIfDoneLocked(ctx, next.GroupID, at)
}

// markFirstTargetHitLocked flags the group and seeds the extreme price at
// the close price. Idempotent: replays of the same fill change nothing.
func (l *Ledger) markFirstTargetHitLocked(ctx context.Context, groupID string, price float64, at time.Time) error {
	group, ok := l.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if group.FirstTargetHit {
		return nil
	}

	next := cloneGroup(group)
	next.FirstTargetHit = true
	next.ExtremePrice = price
	next.UpdatedAt = at

	if err := l.repo.UpdateGroup(ctx, next); err != nil {
		return &PersistenceError{Op: "mark_first_target_hit", Err: err}
	}
	l.groups[groupID] = next

	l.logger.Info().
		Str("group_id", groupID).
		Float64("price", price).
		Msg("First target hit, trailing armed for remaining slots")
	return nil
}

// RecordStopModification moves a position's stop, appending to the
// versioned modification log. The stop only tightens: a modification that
// would loosen protection fails, and one that changes nothing is skipped.
func (l *Ledger) RecordStopModification(ctx context.Context, magic int64, newStop, marketPrice float64, trailing bool, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.byMagic[magic]
	if !ok {
		return fmt.Errorf("%w: magic %d", ErrPositionNotFound, magic)
	}
	if pos.Status != PositionStatusOpen {
		return fmt.Errorf("%w: magic %d status %s", ErrPositionClosed, magic, pos.Status)
	}
	group, ok := l.groups[pos.GroupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, pos.GroupID)
	}

	if pos.StopPrice != 0 {
		delta := group.Side.Sign() * (newStop - pos.StopPrice)
		if delta == 0 {
			return nil
		}
		if delta < 0 {
			return fmt.Errorf("%w: magic %d stop %.8f -> %.8f side %s",
				ErrStopNotMonotonic, magic, pos.StopPrice, newStop, group.Side)
		}
	}

	mod := &StopModification{
		GroupID:     pos.GroupID,
		Magic:       magic,
		Version:     pos.StopModCount + 1,
		OldStop:     pos.StopPrice,
		NewStop:     newStop,
		MarketPrice: marketPrice,
		Trailing:    trailing,
		ModifiedAt:  at,
	}
	if err := l.repo.AppendStopModification(ctx, mod); err != nil {
		return &PersistenceError{Op: "append_stop_modification", Err: err}
	}

	next := clonePosition(pos)
	firstTrailing := trailing && !next.TrailingActive
	next.StopPrice = newStop
	next.StopModCount = mod.Version
	next.LastStopModAt = timePtr(at)
	if trailing {
		next.TrailingActive = true
	}
	next.UpdatedAt = at

	if err := l.repo.UpdatePosition(ctx, next); err != nil {
		return &PersistenceError{Op: "record_stop_modification", Err: err}
	}
	l.replacePosition(next)

	l.logger.Info().
		Int64("magic", magic).
		Int("slot", next.Slot).
		Int("version", mod.Version).
		Float64("old_stop", mod.OldStop).
		Float64("new_stop", newStop).
		Bool("trailing", trailing).
		Msg("Stop modified")

	if l.bus != nil {
		eventType := events.EventTrailingModified
		if firstTrailing {
			eventType = events.EventTrailingActivated
		}
		if trailing {
			l.bus.PublishPositionEvent(eventType, next.GroupID, magic, next.Slot, newStop, "")
		}
	}
	return nil
}

// UpdateExtremePrice extends the group's favourable price extreme: the
// highest price seen for longs, the lowest for shorts. Prices that do not
// extend the extreme are ignored without a repository write.
func (l *Ledger) UpdateExtremePrice(ctx context.Context, groupID string, price float64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	group, ok := l.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if group.ExtremePrice != 0 && group.Side.Sign()*(price-group.ExtremePrice) <= 0 {
		return nil
	}

	next := cloneGroup(group)
	next.ExtremePrice = price
	next.UpdatedAt = at

	if err := l.repo.UpdateGroup(ctx, next); err != nil {
		return &PersistenceError{Op: "update_extreme_price", Err: err}
	}
	l.groups[groupID] = next
	return nil
}

// closeGroupIfDoneLocked closes the group once every position is terminal.
func (l *Ledger) closeGroupIfDoneLocked(ctx context.Context, groupID string, at time.Time) error {
	group, ok := l.groups[groupID]
	if !ok || group.Status != GroupStatusOpen {
		return nil
	}
	for _, p := range l.positions[groupID] {
		if !p.Terminal() {
			return nil
		}
	}

	next := cloneGroup(group)
	next.Status = GroupStatusClosed
	next.ClosedAt = timePtr(at)
	next.UpdatedAt = at

	if err := l.repo.UpdateGroup(ctx, next); err != nil {
		return &PersistenceError{Op: "close_group", Err: err}
	}
	l.groups[groupID] = next

	l.logger.Info().
		Str("group_id", groupID).
		Str("symbol", next.Symbol).
		Msg("Group closed")

	if l.bus != nil {
		l.bus.PublishGroupClosed(groupID, next.Symbol)
	}

	// Drop the closed group from the active cache.
	for _, p := range l.positions[groupID] {
		delete(l.byMagic, p.Magic)
	}
	delete(l.positions, groupID)
	delete(l.groups, groupID)
	return nil
}

// LoadAllActive loads the bot's open groups from the repository into the
// cache. Called once at startup before reconciliation.
func (l *Ledger) LoadAllActive(ctx context.Context) error {
	groups, positions, err := l.repo.LoadActiveGroups(ctx, l.botID)
	if err != nil {
		return &PersistenceError{Op: "load_all_active", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.groups = make(map[string]*Group, len(groups))
	l.positions = make(map[string][]*Position, len(groups))
	l.byMagic = make(map[int64]*Position)

	for _, g := range groups {
		gc := cloneGroup(g)
		l.groups[gc.ID] = gc

		ps := make([]*Position, 0, len(positions[gc.ID]))
		for _, p := range positions[gc.ID] {
			pc := clonePosition(p)
			ps = append(ps, pc)
			l.byMagic[pc.Magic] = pc
		}
		sort.Slice(ps, func(i, j int) bool { return ps[i].Slot < ps[j].Slot })
		l.positions[gc.ID] = ps
	}

	l.logger.Info().
		Int("groups", len(groups)).
		Int("positions", len(l.byMagic)).
		Msg("Loaded active groups from storage")
	return nil
}

// GetGroup returns a copy of a cached group.
func (l *Ledger) GetGroup(groupID string) (Group, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return *cloneGroup(g), true
}

// GetPositionByMagic returns a copy of a cached position.
func (l *Ledger) GetPositionByMagic(magic int64) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byMagic[magic]
	if !ok {
		return Position{}, false
	}
	return *clonePosition(p), true
}

// GroupPositions returns copies of a group's positions in slot order.
func (l *Ledger) GroupPositions(groupID string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ps := l.positions[groupID]
	out := make([]Position, len(ps))
	for i, p := range ps {
		out[i] = *clonePosition(p)
	}
	return out
}

// ActiveGroups returns copies of all open groups, ordered by open time.
func (l *Ledger) ActiveGroups() []Group {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Group, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, *cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ActiveMagics returns the magic numbers of all non-terminal positions.
func (l *Ledger) ActiveMagics() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int64, 0, len(l.byMagic))
	for magic, p := range l.byMagic {
		if !p.Terminal() {
			out = append(out, magic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StopModifications returns the persisted modification log for a position.
func (l *Ledger) StopModifications(ctx context.Context, magic int64) ([]*StopModification, error) {
	return l.repo.ListStopModifications(ctx, magic)
}

func (l *Ledger) replacePosition(next *Position) {
	l.byMagic[next.Magic] = next
	ps := l.positions[next.GroupID]
	for i, p := range ps {
		if p.Magic == next.Magic {
			ps[i] = next
			return
		}
	}
}

func closeEventType(reason string) events.EventType {
	switch reason {
	case CloseReasonTarget:
		return events.EventTargetHit
	case CloseReasonTimeout:
		return events.EventTimeoutClosed
	case CloseReasonReconciled:
		return events.EventReconciledClosed
	default:
		return events.EventStopHit
	}
}

func clonePosition(p *Position) *Position {
	c := *p
	c.LastStopModAt = copyTime(p.LastStopModAt)
	c.OpenedAt = copyTime(p.OpenedAt)
	c.ClosedAt = copyTime(p.ClosedAt)
	return &c
}

func cloneGroup(g *Group) *Group {
	c := *g
	c.ClosedAt = copyTime(g.ClosedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
