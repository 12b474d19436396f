package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/internal/params"
	"triad-trading-bot/internal/regime"
)

// fakeRepo is an in-memory Repository with per-operation failure injection.
type fakeRepo struct {
	mu        sync.Mutex
	failOp    string
	groups    map[string]*Group
	positions map[int64]*Position
	mods      []*StopModification
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		groups:    make(map[string]*Group),
		positions: make(map[int64]*Position),
	}
}

func (r *fakeRepo) fail(op string) error {
	if r.failOp == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (r *fakeRepo) CreateGroup(ctx context.Context, group *Group, positions []*Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create_group"); err != nil {
		return err
	}
	g := *group
	r.groups[group.ID] = &g
	for _, p := range positions {
		c := *p
		r.positions[p.Magic] = &c
	}
	return nil
}

func (r *fakeRepo) UpdateGroup(ctx context.Context, group *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update_group"); err != nil {
		return err
	}
	g := *group
	r.groups[group.ID] = &g
	return nil
}

func (r *fakeRepo) UpdatePosition(ctx context.Context, position *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update_position"); err != nil {
		return err
	}
	c := *position
	r.positions[position.Magic] = &c
	return nil
}

func (r *fakeRepo) AppendStopModification(ctx context.Context, mod *StopModification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("append_stop_modification"); err != nil {
		return err
	}
	c := *mod
	r.mods = append(r.mods, &c)
	return nil
}

func (r *fakeRepo) LoadActiveGroups(ctx context.Context, botID string) ([]*Group, map[string][]*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("load_active_groups"); err != nil {
		return nil, nil, err
	}
	var groups []*Group
	positions := make(map[string][]*Position)
	for _, g := range r.groups {
		if g.BotID != botID || g.Status != GroupStatusOpen {
			continue
		}
		gc := *g
		groups = append(groups, &gc)
	}
	for _, p := range r.positions {
		if g, ok := r.groups[p.GroupID]; ok && g.BotID == botID && g.Status == GroupStatusOpen {
			pc := *p
			positions[p.GroupID] = append(positions[p.GroupID], &pc)
		}
	}
	return groups, positions, nil
}

func (r *fakeRepo) ListStopModifications(ctx context.Context, magic int64) ([]*StopModification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StopModification
	for _, m := range r.mods {
		if m.Magic == magic {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

var testStart = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func testParams() params.Set {
	return params.Set{
		Unit: params.UnitPercent, TP1: 0.004, TP2: 0.008, TP3: 0.014,
		StopDistance: 0.006, TrailingRetracement: 0.25,
		Timeout: 3 * time.Hour,
	}
}

func testGroup(id string, side Side) *Group {
	return &Group{
		ID:              id,
		BotID:           "alpha-bot",
		Symbol:          "BTCUSDT",
		InstrumentClass: params.ClassCrypto,
		Side:            side,
		Regime:          regime.Range,
		Counter:         7,
		Params:          testParams(),
		Status:          GroupStatusOpen,
		EntryPrice:      50000,
		OpenedAt:        testStart,
		Deadline:        testStart.Add(3 * time.Hour),
		CreatedAt:       testStart,
		UpdatedAt:       testStart,
	}
}

func testPositions(groupID string, n int) []*Position {
	ps := make([]*Position, n)
	for i := 0; i < n; i++ {
		slot := i + 1
		ps[i] = &Position{
			Magic:       int64(123450000 + slot*100 + 7),
			GroupID:     groupID,
			Slot:        slot,
			Status:      PositionStatusPending,
			Quantity:    0.1,
			TargetPrice: 50000 * (1 + 0.004*float64(slot)),
			InitialStop: 49700,
			StopPrice:   49700,
			CreatedAt:   testStart,
			UpdatedAt:   testStart,
		}
	}
	return ps
}

func newTestLedger(repo Repository) *Ledger {
	return NewLedger("alpha-bot", repo, nil, zerolog.Nop())
}

func mustCreateGroup(t *testing.T, l *Ledger, g *Group, ps []*Position) {
	t.Helper()
	if err := l.CreateGroup(context.Background(), g, ps); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
}

func mustOpenAll(t *testing.T, l *Ledger, ps []*Position) {
	t.Helper()
	for _, p := range ps {
		if err := l.MarkPositionOpen(context.Background(), p.Magic, 50000, testStart); err != nil {
			t.Fatalf("MarkPositionOpen(%d) failed: %v", p.Magic, err)
		}
	}
}

// TestCreateGroupValidation exercises the structural checks on new groups.
func TestCreateGroupValidation(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ctx := context.Background()

	if err := l.CreateGroup(ctx, &Group{}, testPositions("g1", 3)); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("empty group ID: got %v, want ErrInvalidGroup", err)
	}
	if err := l.CreateGroup(ctx, testGroup("g1", SideLong), nil); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("no positions: got %v, want ErrInvalidGroup", err)
	}

	dup := testPositions("g1", 2)
	dup[1].Slot = 1
	if err := l.CreateGroup(ctx, testGroup("g1", SideLong), dup); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("duplicate slot: got %v, want ErrInvalidGroup", err)
	}

	mustCreateGroup(t, l, testGroup("g1", SideLong), testPositions("g1", 3))
	if err := l.CreateGroup(ctx, testGroup("g1", SideLong), testPositions("g1", 3)); !errors.Is(err, ErrGroupExists) {
		t.Errorf("duplicate group: got %v, want ErrGroupExists", err)
	}
}

// TestCreateGroupPartial verifies a group with fewer than three slots is
// accepted; partial groups arise after restarts and rejections.
func TestCreateGroupPartial(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	mustCreateGroup(t, l, testGroup("g1", SideLong), testPositions("g1", 1))

	if got := len(l.GroupPositions("g1")); got != 1 {
		t.Errorf("got %d positions, want 1", got)
	}
}

// TestCreateGroupPersistsBeforeMemory verifies a failed repository write
// leaves no trace in the cache.
func TestCreateGroupPersistsBeforeMemory(t *testing.T) {
	repo := newFakeRepo()
	repo.failOp = "create_group"
	l := newTestLedger(repo)

	err := l.CreateGroup(context.Background(), testGroup("g1", SideLong), testPositions("g1", 3))
	if !IsPersistenceError(err) {
		t.Fatalf("got err=%v, want PersistenceError", err)
	}
	if _, ok := l.GetGroup("g1"); ok {
		t.Error("group cached despite failed persist")
	}
	if len(l.ActiveMagics()) != 0 {
		t.Error("positions indexed despite failed persist")
	}
}

// TestMarkPositionOpenLifecycle verifies the PENDING -> OPEN transition and
// its guard against re-opening.
func TestMarkPositionOpenLifecycle(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)

	if err := l.MarkPositionOpen(context.Background(), ps[0].Magic, 50010, testStart); err != nil {
		t.Fatalf("MarkPositionOpen failed: %v", err)
	}
	got, ok := l.GetPositionByMagic(ps[0].Magic)
	if !ok || got.Status != PositionStatusOpen || got.EntryPrice != 50010 {
		t.Errorf("position after open: %+v", got)
	}

	if err := l.MarkPositionOpen(context.Background(), ps[0].Magic, 50010, testStart); err == nil {
		t.Error("re-opening an OPEN position should fail")
	}
	if err := l.MarkPositionOpen(context.Background(), 999999999, 50010, testStart); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("unknown magic: got %v, want ErrPositionNotFound", err)
	}
}

// TestClosePositionIdempotent verifies closing a terminal position changes
// nothing: the first close's price and reason stand.
func TestClosePositionIdempotent(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	mustOpenAll(t, l, ps)
	ctx := context.Background()

	if err := l.ClosePosition(ctx, ps[1].Magic, 49700, CloseReasonStop, testStart.Add(time.Minute)); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if err := l.ClosePosition(ctx, ps[1].Magic, 48000, CloseReasonTimeout, testStart.Add(2*time.Minute)); err != nil {
		t.Fatalf("second ClosePosition should be a no-op, got: %v", err)
	}

	got, _ := l.GetPositionByMagic(ps[1].Magic)
	if got.ClosePrice != 49700 || got.CloseReason != CloseReasonStop {
		t.Errorf("second close overwrote the first: %+v", got)
	}
}

// TestFirstTargetHitArmsGroup verifies that slot 1 closing at its target
// flags the group and seeds the extreme price, while a slot 1 stop-out
// does not.
func TestFirstTargetHitArmsGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("target close arms trailing", func(t *testing.T) {
		l := newTestLedger(newFakeRepo())
		ps := testPositions("g1", 3)
		mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
		mustOpenAll(t, l, ps)

		if err := l.ClosePosition(ctx, ps[0].Magic, 50200, CloseReasonTarget, testStart.Add(time.Minute)); err != nil {
			t.Fatalf("ClosePosition failed: %v", err)
		}
		g, _ := l.GetGroup("g1")
		if !g.FirstTargetHit {
			t.Error("FirstTargetHit not set after slot 1 target close")
		}
		if g.ExtremePrice != 50200 {
			t.Errorf("extreme price %v, want 50200", g.ExtremePrice)
		}
	})

	t.Run("stop close does not arm trailing", func(t *testing.T) {
		l := newTestLedger(newFakeRepo())
		ps := testPositions("g2", 3)
		mustCreateGroup(t, l, testGroup("g2", SideLong), ps)
		mustOpenAll(t, l, ps)

		if err := l.ClosePosition(ctx, ps[0].Magic, 49700, CloseReasonStop, testStart.Add(time.Minute)); err != nil {
			t.Fatalf("ClosePosition failed: %v", err)
		}
		g, _ := l.GetGroup("g2")
		if g.FirstTargetHit {
			t.Error("FirstTargetHit set after slot 1 stop-out")
		}
	})
}

// TestGroupClosesWhenAllTerminal verifies the group closes and leaves the
// active cache once every slot is terminal, rejections included.
func TestGroupClosesWhenAllTerminal(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	ctx := context.Background()
	mustOpenAll(t, l, ps[:2])

	if err := l.MarkPositionRejected(ctx, ps[2].Magic, testStart); err != nil {
		t.Fatalf("MarkPositionRejected failed: %v", err)
	}
	if _, ok := l.GetGroup("g1"); !ok {
		t.Fatal("group should remain active with two open positions")
	}

	if err := l.ClosePosition(ctx, ps[0].Magic, 50200, CloseReasonTarget, testStart); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if err := l.ClosePosition(ctx, ps[1].Magic, 50400, CloseReasonTrailing, testStart); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	if _, ok := l.GetGroup("g1"); ok {
		t.Error("group still active after all positions terminal")
	}
	if got := len(l.ActiveMagics()); got != 0 {
		t.Errorf("%d magics still indexed after group close", got)
	}
}

// TestAllRejectedClosesGroup verifies a fully rejected group closes
// immediately.
func TestAllRejectedClosesGroup(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	ctx := context.Background()

	for _, p := range ps {
		if err := l.MarkPositionRejected(ctx, p.Magic, testStart); err != nil {
			t.Fatalf("MarkPositionRejected failed: %v", err)
		}
	}
	if _, ok := l.GetGroup("g1"); ok {
		t.Error("fully rejected group should close")
	}
}

// TestStopModificationMonotonic verifies stops only tighten: up for longs,
// down for shorts, with unchanged values skipped silently.
func TestStopModificationMonotonic(t *testing.T) {
	ctx := context.Background()
	at := testStart.Add(time.Minute)

	t.Run("long", func(t *testing.T) {
		repo := newFakeRepo()
		l := newTestLedger(repo)
		ps := testPositions("g1", 3)
		mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
		mustOpenAll(t, l, ps)
		magic := ps[1].Magic

		if err := l.RecordStopModification(ctx, magic, 49800, 50100, true, at); err != nil {
			t.Fatalf("tightening stop failed: %v", err)
		}
		if err := l.RecordStopModification(ctx, magic, 49750, 50100, true, at); !errors.Is(err, ErrStopNotMonotonic) {
			t.Errorf("loosening stop: got %v, want ErrStopNotMonotonic", err)
		}
		if err := l.RecordStopModification(ctx, magic, 49800, 50100, true, at); err != nil {
			t.Errorf("unchanged stop should be a no-op, got %v", err)
		}

		got, _ := l.GetPositionByMagic(magic)
		if got.StopPrice != 49800 || got.StopModCount != 1 {
			t.Errorf("position after mods: stop=%v count=%d", got.StopPrice, got.StopModCount)
		}
	})

	t.Run("short", func(t *testing.T) {
		repo := newFakeRepo()
		l := newTestLedger(repo)
		ps := testPositions("g2", 3)
		for _, p := range ps {
			p.InitialStop = 50300
			p.StopPrice = 50300
		}
		mustCreateGroup(t, l, testGroup("g2", SideShort), ps)
		mustOpenAll(t, l, ps)
		magic := ps[1].Magic

		if err := l.RecordStopModification(ctx, magic, 50200, 49900, true, at); err != nil {
			t.Fatalf("tightening short stop failed: %v", err)
		}
		if err := l.RecordStopModification(ctx, magic, 50250, 49900, true, at); !errors.Is(err, ErrStopNotMonotonic) {
			t.Errorf("loosening short stop: got %v, want ErrStopNotMonotonic", err)
		}
	})
}

// TestStopModificationVersioning verifies the append-only log carries
// sequential versions with old and new values.
func TestStopModificationVersioning(t *testing.T) {
	repo := newFakeRepo()
	l := newTestLedger(repo)
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	mustOpenAll(t, l, ps)
	ctx := context.Background()
	magic := ps[2].Magic

	stops := []float64{49800, 49900, 50050}
	for i, s := range stops {
		at := testStart.Add(time.Duration(i+1) * time.Minute)
		if err := l.RecordStopModification(ctx, magic, s, s+200, true, at); err != nil {
			t.Fatalf("mod %d failed: %v", i+1, err)
		}
	}

	mods, err := l.StopModifications(ctx, magic)
	if err != nil {
		t.Fatalf("StopModifications failed: %v", err)
	}
	if len(mods) != 3 {
		t.Fatalf("got %d mods, want 3", len(mods))
	}
	prev := 49700.0
	for i, m := range mods {
		if m.Version != i+1 {
			t.Errorf("mod %d: version %d, want %d", i, m.Version, i+1)
		}
		if m.OldStop != prev || m.NewStop != stops[i] {
			t.Errorf("mod %d: old=%v new=%v, want old=%v new=%v", i, m.OldStop, m.NewStop, prev, stops[i])
		}
		prev = stops[i]
	}
}

// TestStopModificationRequiresOpen verifies stops cannot move on pending or
// terminal positions.
func TestStopModificationRequiresOpen(t *testing.T) {
	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	ctx := context.Background()

	if err := l.RecordStopModification(ctx, ps[0].Magic, 49800, 50100, false, testStart); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("pending position: got %v, want ErrPositionClosed", err)
	}
}

// TestUpdateExtremePrice verifies the extreme only extends in the
// favourable direction and skips repository writes otherwise.
func TestUpdateExtremePrice(t *testing.T) {
	ctx := context.Background()

	l := newTestLedger(newFakeRepo())
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	mustOpenAll(t, l, ps)

	// Arm the group so the extreme is seeded.
	if err := l.ClosePosition(ctx, ps[0].Magic, 50200, CloseReasonTarget, testStart); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	if err := l.UpdateExtremePrice(ctx, "g1", 50400, testStart); err != nil {
		t.Fatalf("UpdateExtremePrice failed: %v", err)
	}
	g, _ := l.GetGroup("g1")
	if g.ExtremePrice != 50400 {
		t.Errorf("extreme %v, want 50400", g.ExtremePrice)
	}

	// A retracement must not move the extreme backwards.
	if err := l.UpdateExtremePrice(ctx, "g1", 50100, testStart); err != nil {
		t.Fatalf("UpdateExtremePrice failed: %v", err)
	}
	g, _ = l.GetGroup("g1")
	if g.ExtremePrice != 50400 {
		t.Errorf("extreme moved backwards to %v", g.ExtremePrice)
	}
}

// TestPersistenceFailureKeepsMemoryUnchanged verifies a failed position
// update surfaces as PersistenceError and leaves the cached state intact.
func TestPersistenceFailureKeepsMemoryUnchanged(t *testing.T) {
	repo := newFakeRepo()
	l := newTestLedger(repo)
	ps := testPositions("g1", 3)
	mustCreateGroup(t, l, testGroup("g1", SideLong), ps)
	mustOpenAll(t, l, ps)
	ctx := context.Background()

	repo.failOp = "update_position"
	err := l.ClosePosition(ctx, ps[0].Magic, 50200, CloseReasonTarget, testStart)
	if !IsPersistenceError(err) {
		t.Fatalf("got err=%v, want PersistenceError", err)
	}

	got, _ := l.GetPositionByMagic(ps[0].Magic)
	if got.Status != PositionStatusOpen {
		t.Errorf("cached status %s after failed persist, want OPEN", got.Status)
	}
	g, _ := l.GetGroup("g1")
	if g.FirstTargetHit {
		t.Error("group flagged despite failed persist")
	}
}

// TestLoadAllActive verifies recovery rebuilds the cache and magic index
// from storage.
func TestLoadAllActive(t *testing.T) {
	repo := newFakeRepo()
	seed := newTestLedger(repo)
	ps := testPositions("g1", 3)
	mustCreateGroup(t, seed, testGroup("g1", SideLong), ps)
	mustOpenAll(t, seed, ps)

	fresh := newTestLedger(repo)
	if err := fresh.LoadAllActive(context.Background()); err != nil {
		t.Fatalf("LoadAllActive failed: %v", err)
	}

	if _, ok := fresh.GetGroup("g1"); !ok {
		t.Fatal("group not loaded")
	}
	loaded := fresh.GroupPositions("g1")
	if len(loaded) != 3 {
		t.Fatalf("loaded %d positions, want 3", len(loaded))
	}
	for i, p := range loaded {
		if p.Slot != i+1 {
			t.Errorf("position %d: slot %d, want %d", i, p.Slot, i+1)
		}
		if p.Status != PositionStatusOpen {
			t.Errorf("slot %d: status %s, want OPEN", p.Slot, p.Status)
		}
	}
	if got := len(fresh.ActiveMagics()); got != 3 {
		t.Errorf("%d magics indexed, want 3", got)
	}
}
