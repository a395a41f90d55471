package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// BotAPI is the subset of the Telegram client the notifier needs.
type BotAPI interface {
	SendMessage(chatID int64, text, parseMode string) error
}

// TGBotAPIClient adapts tgbotapi.BotAPI to BotAPI.
type TGBotAPIClient struct {
	bot *tgbotapi.BotAPI
}

// NewTGBotAPIClient authenticates the bot token against Telegram.
func NewTGBotAPIClient(token string) (*TGBotAPIClient, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	return &TGBotAPIClient{bot: bot}, nil
}

func (c *TGBotAPIClient) SendMessage(chatID int64, text, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	_, err := c.bot.Send(msg)
	return err
}

var _ BotAPI = (*TGBotAPIClient)(nil)

// TelegramNotifier sends notifications to one chat, rate limited and
// deduplicated by Notification.Key within a window.
type TelegramNotifier struct {
	api     BotAPI
	chatID  int64
	limiter *rate.Limiter
	dedup   *DedupLimiter
}

// NewTelegramNotifier sends at most messagesPerMinute messages.
func NewTelegramNotifier(api BotAPI, chatID int64, messagesPerMinute int, dedupWindow time.Duration) *TelegramNotifier {
	if messagesPerMinute <= 0 {
		messagesPerMinute = 20
	}
	return &TelegramNotifier{
		api:     api,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(messagesPerMinute)), messagesPerMinute),
		dedup:   NewDedupLimiter(dedupWindow),
	}
}

func (t *TelegramNotifier) Notify(_ context.Context, n Notification) error {
	if n.Key != "" && !t.dedup.CanSend(n.Key) {
		return nil
	}
	if !t.limiter.Allow() {
		return fmt.Errorf("telegram rate limit exceeded")
	}
	return t.api.SendMessage(t.chatID, formatNotification(n), tgbotapi.ModeHTML)
}

func formatNotification(n Notification) string {
	icon := "ℹ️"
	switch n.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityError:
		icon = "🔴"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>%s</b>", icon, html.EscapeString(n.Title))
	if n.Body != "" {
		sb.WriteString("\n\n")
		sb.WriteString(html.EscapeString(n.Body))
	}
	if n.ProfileID != "" {
		fmt.Fprintf(&sb, "\n\n<i>profile %s</i>", html.EscapeString(n.ProfileID))
	}
	return sb.String()
}

// DedupLimiter prevents duplicate messages within a time window
type DedupLimiter struct {
	sent   map[string]time.Time
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

func NewDedupLimiter(window time.Duration) *DedupLimiter {
	return &DedupLimiter{
		sent:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// CanSend records key and reports whether it was not sent within the window.
// Expired entries are dropped on the way.
func (dl *DedupLimiter) CanSend(key string) bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := dl.now()
	for k, sentAt := range dl.sent {
		if now.Sub(sentAt) >= dl.window {
			delete(dl.sent, k)
		}
	}
	if _, exists := dl.sent[key]; exists {
		return false
	}
	dl.sent[key] = now
	return true
}
