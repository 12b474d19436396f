package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PriceHandler receives streamed last-trade prices.
type PriceHandler func(symbol string, price float64, at time.Time)

// PriceStream maintains a websocket subscription to the venue's trade
// ticker and pushes prices to a handler. It reconnects with backoff until
// stopped; the engine keeps polling REST prices meanwhile, so a dead
// stream degrades latency, not correctness.
type PriceStream struct {
	streamURL string
	symbol    string
	handler   PriceHandler
	logger    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// tickerMessage is one trade tick on the wire.
type tickerMessage struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	EventTime int64   `json:"E"`
}

// NewPriceStream creates a price stream for one symbol.
func NewPriceStream(streamURL, symbol string, handler PriceHandler, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		streamURL: streamURL,
		symbol:    symbol,
		handler:   handler,
		logger:    logger.With().Str("component", "price_stream").Str("symbol", symbol).Logger(),
	}
}

// Start launches the read loop. Returns an error if already running.
func (s *PriceStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("price stream already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop closes the stream and waits for the read loop to exit.
func (s *PriceStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	<-s.doneCh
}

func (s *PriceStream) run(ctx context.Context) {
	defer close(s.doneCh)

	backoff := time.Second
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Price stream disconnected, reconnecting")
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *PriceStream) connectAndRead(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/ws/%s@trade", strings.TrimRight(s.streamURL, "/"), strings.ToLower(s.symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", endpoint).Msg("Price stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Skipping unparseable stream message")
			continue
		}
		if msg.Price <= 0 {
			continue
		}
		s.handler(msg.Symbol, msg.Price, time.UnixMilli(msg.EventTime))
	}
}
