package notification

import (
	"strings"
	"time"
)

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// DiscordNotifier posts embeds to a channel webhook
type DiscordNotifier struct {
	url string
	on  bool
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

// NewDiscordNotifier creates a notifier; it stays disabled without a webhook
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{url: cfg.WebhookURL, on: cfg.Enabled && cfg.WebhookURL != ""}
}

func (d *DiscordNotifier) Name() string   { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.on }

// Embed colours
const (
	colorGreen  = 0x2ECC71
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
	colorYellow = 0xF1C40F
	colorBlue   = 0x3498DB
)

func embedColor(n *Notification) int {
	switch {
	case n.Type == NotifyResolution:
		return colorGreen
	case n.Severity == "CRITICAL" || n.Type == NotifyError:
		return colorRed
	case n.Severity == "HIGH":
		return colorOrange
	case n.Severity == "MEDIUM" || n.Severity == "LOW":
		return colorYellow
	default:
		return colorBlue
	}
}

func discordEmbedFor(n *Notification) discordEmbed {
	e := discordEmbed{Title: n.Title, Description: n.Message, Color: embedColor(n)}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	if n.Severity != "" {
		e.Fields = append(e.Fields, discordField{Name: "Severity", Value: n.Severity, Inline: true})
	}
	if len(n.Scope) > 0 {
		e.Fields = append(e.Fields, discordField{Name: "Scope", Value: strings.Join(n.Scope, ", "), Inline: true})
	}
	return e
}

func (d *DiscordNotifier) Send(n *Notification) error {
	if !d.on {
		return nil
	}
	return postJSON(newProviderClient(), d.Name(), d.url, discordWebhook{Embeds: []discordEmbed{discordEmbedFor(n)}})
}
