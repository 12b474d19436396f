// Package notification pushes lifecycle events to external channels.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"triad-trading-bot/config"
	"triad-trading-bot/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyGroupOpen  NotificationType = "group_open"
	NotifyGroupClose NotificationType = "group_close"
	NotifyTargetHit  NotificationType = "target_hit"
	NotifyStopHit    NotificationType = "stop_hit"
	NotifyTimeout    NotificationType = "timeout"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to all enabled providers.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) {
	if !m.enabled {
		return
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("Notification delivery failed")
		}
	}
}

// SubscribeTo wires the manager to the event bus. Delivery happens on the
// bus dispatcher goroutine; providers must not block for long.
func (m *Manager) SubscribeTo(bus *events.EventBus) {
	bus.Subscribe(events.EventGroupOpened, func(e events.Event) {
		m.Send(&Notification{
			Type:   NotifyGroupOpen,
			Title:  "Group opened",
			Symbol: str(e.Data["symbol"]),
			Message: fmt.Sprintf("%s %s group opened in %s regime at %.5f",
				str(e.Data["symbol"]), str(e.Data["side"]), str(e.Data["regime"]), num(e.Data["entry_price"])),
			Price: num(e.Data["entry_price"]),
		})
	})
	bus.Subscribe(events.EventGroupClosed, func(e events.Event) {
		m.Send(&Notification{
			Type:    NotifyGroupClose,
			Title:   "Group closed",
			Symbol:  str(e.Data["symbol"]),
			Message: fmt.Sprintf("%s group %s fully closed", str(e.Data["symbol"]), str(e.Data["group_id"])),
		})
	})
	bus.Subscribe(events.EventTargetHit, func(e events.Event) {
		m.Send(&Notification{
			Type:    NotifyTargetHit,
			Title:   "Target hit",
			Message: fmt.Sprintf("Slot %v target hit at %.5f", e.Data["slot"], num(e.Data["price"])),
			Price:   num(e.Data["price"]),
		})
	})
	bus.Subscribe(events.EventStopHit, func(e events.Event) {
		m.Send(&Notification{
			Type:    NotifyStopHit,
			Title:   "Stop hit",
			Message: fmt.Sprintf("Slot %v stopped out at %.5f (%s)", e.Data["slot"], num(e.Data["price"]), str(e.Data["reason"])),
			Price:   num(e.Data["price"]),
		})
	})
	bus.Subscribe(events.EventTimeoutClosed, func(e events.Event) {
		m.Send(&Notification{
			Type:    NotifyTimeout,
			Title:   "Timeout close",
			Message: fmt.Sprintf("Slot %v closed on group timeout at %.5f", e.Data["slot"], num(e.Data["price"])),
			Price:   num(e.Data["price"]),
		})
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		m.Send(&Notification{
			Type:    NotifyError,
			Title:   "Error",
			Message: fmt.Sprintf("%s: %s", str(e.Data["source"]), str(e.Data["message"])),
		})
	})
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// TelegramNotifier sends notifications via the Telegram bot API.
type TelegramNotifier struct {
	botToken   string
	chatID     string
	enabled    bool
	httpClient *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		enabled:    cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(n *Notification) error {
	text := fmt.Sprintf("*%s*\n%s", n.Title, n.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned %d", resp.StatusCode)
	}
	return nil
}
