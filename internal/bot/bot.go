// Package bot assembles the trading components and runs them: restart
// recovery, the price stream, the periodic lifecycle tick, and signal
// intake. A persistence failure anywhere halts trading instead of letting
// ledger and database drift apart.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/config"
	"triad-trading-bot/internal/broker"
	"triad-trading-bot/internal/cache"
	"triad-trading-bot/internal/engine"
	"triad-trading-bot/internal/events"
	"triad-trading-bot/internal/identity"
	"triad-trading-bot/internal/ledger"
	"triad-trading-bot/internal/params"
	"triad-trading-bot/internal/regime"
)

// Deps bundles what the bot needs from the outside: storage, optional
// cache, the event bus, and broker credentials already resolved by the
// caller (from Vault or config).
type Deps struct {
	Config    *config.Config
	Repo      ledger.Repository
	Cache     *cache.CacheService
	Bus       *events.EventBus
	APIKey    string
	SecretKey string
	Logger    zerolog.Logger
}

// Bot owns the runtime loops around the lifecycle engine.
type Bot struct {
	cfg     *config.Config
	engine  *engine.Engine
	ledger  *ledger.Ledger
	limiter *broker.RateLimiter
	cache   *cache.CacheService
	bus     *events.EventBus
	stream  *broker.PriceStream
	logger  zerolog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	lastPrice float64
	lastTick  time.Time
	fatalErr  error

	stopOnce   sync.Once
	stopChan   chan struct{}
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup
}

// New wires the broker client, ledger, allocator and engine from config.
func New(d Deps) (*Bot, error) {
	cfg := d.Config
	logger := d.Logger.With().Str("component", "bot").Logger()

	class, err := params.ParseInstrumentClass(cfg.BotConfig.InstrumentClass)
	if err != nil {
		return nil, fmt.Errorf("instrument class: %w", err)
	}

	limiter := broker.NewRateLimiter(0, 0, d.Logger)
	rest := broker.NewRESTClient(
		cfg.BrokerConfig.BaseURL,
		d.APIKey,
		d.SecretKey,
		cfg.BrokerConfig.RequestTimeout,
		limiter,
		d.Logger,
	)

	led := ledger.NewLedger(cfg.BotConfig.BotID, d.Repo, d.Bus, d.Logger)

	var seq identity.SequenceSource
	if d.Cache != nil {
		seq = d.Cache
	}
	alloc, err := identity.NewAllocator(cfg.BotConfig.BotID, seq, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("allocator: %w", err)
	}

	eng := engine.New(engine.Deps{
		Config:     cfg.EngineConfig,
		BotID:      cfg.BotConfig.BotID,
		Symbol:     cfg.BotConfig.Symbol,
		Class:      class,
		TotalSize:  cfg.BotConfig.PositionSize,
		Ledger:     led,
		Gateway:    rest,
		Allocator:  alloc,
		Table:      params.DefaultTable(),
		Classifier: regime.NewClassifier(regime.DefaultConfig()),
		Bus:        d.Bus,
		Logger:     d.Logger,
	})

	b := &Bot{
		cfg:      cfg,
		engine:   eng,
		ledger:   led,
		limiter:  limiter,
		cache:    d.Cache,
		bus:      d.Bus,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	b.stream = broker.NewPriceStream(cfg.BrokerConfig.StreamURL, cfg.BotConfig.Symbol, b.onPrice, d.Logger)
	return b, nil
}

// Start recovers state, reconciles against the broker, and launches the
// price stream and the tick loop.
func (b *Bot) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancelRoot = cancel

	if err := b.ledger.LoadAllActive(runCtx); err != nil {
		cancel()
		return fmt.Errorf("loading active groups: %w", err)
	}
	if err := b.engine.Init(runCtx); err != nil {
		cancel()
		return fmt.Errorf("engine init: %w", err)
	}
	if err := b.engine.Reconcile(runCtx); err != nil {
		cancel()
		return fmt.Errorf("reconciliation: %w", err)
	}

	if b.cfg.BrokerConfig.StreamURL != "" {
		if err := b.stream.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("price stream: %w", err)
		}
	}

	b.mu.Lock()
	b.running = true
	b.startedAt = time.Now()
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runTickLoop(runCtx)

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{
			"bot_id": b.cfg.BotConfig.BotID,
			"symbol": b.cfg.BotConfig.Symbol,
		}})
	}
	b.logger.Info().
		Str("bot_id", b.cfg.BotConfig.BotID).
		Str("symbol", b.cfg.BotConfig.Symbol).
		Dur("poll_interval", b.cfg.BotConfig.PollInterval).
		Msg("Bot started")
	return nil
}

// Stop shuts the loops down and waits for them.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	if b.cancelRoot != nil {
		b.cancelRoot()
	}
	b.stream.Stop()
	b.wg.Wait()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{
			"bot_id": b.cfg.BotConfig.BotID,
		}})
	}
	b.logger.Info().Msg("Bot stopped")
}

// Done is closed when the bot halts itself, e.g. on a fatal persistence
// failure. Callers select on it alongside OS signals.
func (b *Bot) Done() <-chan struct{} {
	return b.stopChan
}

// FatalErr returns the error that halted the bot, if any.
func (b *Bot) FatalErr() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fatalErr
}

// SubmitSignal opens a new position group for an external signal. Returns
// the group ID; a dropped signal or a broker-wide failure returns an error.
func (b *Bot) SubmitSignal(ctx context.Context, sig engine.Signal) (string, error) {
	b.mu.RLock()
	running, fatal := b.running, b.fatalErr
	b.mu.RUnlock()
	if fatal != nil {
		return "", fmt.Errorf("bot halted: %w", fatal)
	}
	if !running {
		return "", fmt.Errorf("bot is not running")
	}
	if sig.Symbol == "" {
		sig.Symbol = b.cfg.BotConfig.Symbol
	}

	id, err := b.engine.OpenGroup(ctx, sig)
	if err != nil && ledger.IsPersistenceError(err) {
		b.halt(err)
	}
	return id, err
}

// runTickLoop drives the lifecycle engine at the configured poll interval.
func (b *Bot) runTickLoop(ctx context.Context) {
	defer b.wg.Done()

	interval := b.cfg.BotConfig.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bot) tick(ctx context.Context) {
	timeout := b.cfg.BotConfig.TickTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := b.engine.Tick(tickCtx)
	b.mu.Lock()
	b.lastTick = time.Now()
	b.mu.Unlock()

	if err != nil {
		if ledger.IsPersistenceError(err) {
			b.halt(err)
			return
		}
		b.logger.Error().Err(err).Msg("Tick failed")
	}
}

// halt stops trading permanently after a fatal error. The ledger and the
// database may disagree after a failed write; continuing would compound
// the damage.
func (b *Bot) halt(err error) {
	b.mu.Lock()
	if b.fatalErr == nil {
		b.fatalErr = err
	}
	b.mu.Unlock()

	b.logger.Error().Err(err).Msg("Fatal error, halting trading")
	if b.bus != nil {
		b.bus.PublishError("bot", "fatal error, trading halted", err)
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
}

// onPrice handles stream ticks: it tracks the latest price and mirrors it
// into the cache for other consumers.
func (b *Bot) onPrice(symbol string, price float64, at time.Time) {
	b.mu.Lock()
	b.lastPrice = price
	b.mu.Unlock()

	if b.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.cache.SetLastPrice(ctx, b.cfg.BotConfig.BotID, symbol, price)
	}
}

// RateLimiter exposes the broker rate limiter for the status API.
func (b *Bot) RateLimiter() *broker.RateLimiter {
	return b.limiter
}

// Ledger exposes the ledger for the status API.
func (b *Bot) Ledger() *ledger.Ledger {
	return b.ledger
}

// Status reports the bot's runtime state for the API.
func (b *Bot) Status() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := map[string]interface{}{
		"bot_id":        b.cfg.BotConfig.BotID,
		"symbol":        b.cfg.BotConfig.Symbol,
		"running":       b.running,
		"active_groups": len(b.ledger.ActiveGroups()),
		"last_price":    b.lastPrice,
	}
	if !b.startedAt.IsZero() {
		status["started_at"] = b.startedAt.UTC().Format(time.RFC3339)
		status["uptime_seconds"] = int(time.Since(b.startedAt).Seconds())
	}
	if !b.lastTick.IsZero() {
		status["last_tick"] = b.lastTick.UTC().Format(time.RFC3339)
	}
	if b.fatalErr != nil {
		status["fatal_error"] = b.fatalErr.Error()
	}
	return status
}
