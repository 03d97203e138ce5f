package notification

import (
	"fmt"
	"strings"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	BaseURL  string // defaults to the public bot API
}

// TelegramNotifier posts to a chat through the bot API
type TelegramNotifier struct {
	cfg TelegramConfig
	url string
	on  bool
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NewTelegramNotifier creates a notifier; it stays disabled without a token
// and chat id.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramAPI
	}
	return &TelegramNotifier{
		cfg: cfg,
		url: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(cfg.BaseURL, "/"), cfg.BotToken),
		on:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
	}
}

func (t *TelegramNotifier) Name() string   { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.on }

// telegramText renders the title in bold, then the message, then severity
// and scope lines when present.
func telegramText(n *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n%s", n.Title, n.Message)
	if n.Severity != "" {
		fmt.Fprintf(&b, "\nSeverity: %s", n.Severity)
	}
	if len(n.Scope) > 0 {
		fmt.Fprintf(&b, "\nScope: %s", strings.Join(n.Scope, ", "))
	}
	return b.String()
}

func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.on {
		return nil
	}
	return postJSON(newProviderClient(), t.Name(), t.url, telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      telegramText(n),
		ParseMode: "Markdown",
	})
}
