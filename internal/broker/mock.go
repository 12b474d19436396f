package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"triad-trading-bot/internal/regime"
)

// MockGateway is an in-memory Gateway for tests. Failures are scripted per
// magic number; everything else fills instantly at the current mock price.
type MockGateway struct {
	mu sync.Mutex

	price           float64
	klines          []regime.Bar
	minStopDistance float64
	positions       map[int64]Position
	nextOrderID     int64

	rejectOpens    map[int64]bool // magic -> reject with RejectedError
	transientOpens map[int64]int  // magic -> remaining transient failures
	failModify     map[int64]error
	failClose      map[int64]error

	OpenCalls   []OpenRequest
	ModifyCalls []int64
	CloseCalls  []int64
}

// NewMockGateway creates a mock with a starting price.
func NewMockGateway(price float64) *MockGateway {
	return &MockGateway{
		price:           price,
		minStopDistance: 0,
		positions:       make(map[int64]Position),
		rejectOpens:     make(map[int64]bool),
		transientOpens:  make(map[int64]int),
		failModify:      make(map[int64]error),
		failClose:       make(map[int64]error),
	}
}

// SetPrice moves the mock market price.
func (m *MockGateway) SetPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = price
}

// SetKlines sets the bar history returned by GetKlines.
func (m *MockGateway) SetKlines(bars []regime.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines = bars
}

// SetMinStopDistance sets the venue's minimum stop distance.
func (m *MockGateway) SetMinStopDistance(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minStopDistance = d
}

// RejectOpen scripts a definitive rejection for one magic.
func (m *MockGateway) RejectOpen(magic int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectOpens[magic] = true
}

// FailOpenTransiently scripts n transient failures before opens succeed.
func (m *MockGateway) FailOpenTransiently(magic int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transientOpens[magic] = n
}

// FailModify scripts stop modification failures for one magic.
func (m *MockGateway) FailModify(magic int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failModify[magic] = err
}

// FailClose scripts close failures for one magic.
func (m *MockGateway) FailClose(magic int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failClose[magic] = err
}

// RemovePosition drops a position broker-side without a close fill, the way
// an out-of-band close during downtime looks to reconciliation.
func (m *MockGateway) RemovePosition(magic int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, magic)
}

// AddForeignPosition seeds a position the bot does not own.
func (m *MockGateway) AddForeignPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Magic] = p
}

// StopFor returns the broker-side stop for a magic, for assertions.
func (m *MockGateway) StopFor(magic int64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[magic]
	return p.StopPrice, ok
}

func (m *MockGateway) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls = append(m.OpenCalls, req)

	if m.rejectOpens[req.Magic] {
		return Fill{}, &RejectedError{Op: "open", Code: 2019, Reason: "insufficient margin"}
	}
	if n := m.transientOpens[req.Magic]; n > 0 {
		m.transientOpens[req.Magic] = n - 1
		return Fill{}, &TransientError{Op: "open", Err: fmt.Errorf("venue busy")}
	}

	m.nextOrderID++
	fill := Fill{
		OrderID:  m.nextOrderID,
		Magic:    req.Magic,
		Price:    m.price,
		Quantity: req.Quantity,
		FilledAt: time.Now(),
	}
	m.positions[req.Magic] = Position{
		Magic:      req.Magic,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: m.price,
		StopPrice:  req.StopPrice,
		OpenedAt:   fill.FilledAt,
	}
	return fill, nil
}

func (m *MockGateway) ModifyStop(ctx context.Context, symbol string, magic int64, newStop float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ModifyCalls = append(m.ModifyCalls, magic)

	if err := m.failModify[magic]; err != nil {
		return err
	}
	p, ok := m.positions[magic]
	if !ok {
		return ErrPositionAbsent
	}
	p.StopPrice = newStop
	m.positions[magic] = p
	return nil
}

func (m *MockGateway) Close(ctx context.Context, symbol string, magic int64) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls = append(m.CloseCalls, magic)

	if err := m.failClose[magic]; err != nil {
		return Fill{}, err
	}
	p, ok := m.positions[magic]
	if !ok {
		return Fill{}, ErrPositionAbsent
	}
	delete(m.positions, magic)

	m.nextOrderID++
	return Fill{
		OrderID:  m.nextOrderID,
		Magic:    magic,
		Price:    m.price,
		Quantity: p.Quantity,
		FilledAt: time.Now(),
	}, nil
}

func (m *MockGateway) GetPosition(ctx context.Context, symbol string, magic int64) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[magic]
	if !ok {
		return Position{}, ErrPositionAbsent
	}
	return p, nil
}

func (m *MockGateway) ListPositions(ctx context.Context, symbol string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *MockGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]regime.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && len(m.klines) > limit {
		return m.klines[len(m.klines)-limit:], nil
	}
	return m.klines, nil
}

func (m *MockGateway) MinStopDistance(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minStopDistance, nil
}
