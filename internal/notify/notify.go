// Package notify posts sync events to a Discord webhook
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

const (
	userAgent = "kindle-booklog-sync"

	colorInfo    = 0x3498db
	colorSuccess = 0x2ecc71
	colorError   = 0xff0000
)

// Notifier is the notification surface used by the sync service
type Notifier interface {
	NotifyAdded(ctx context.Context, asin, title string) error
	NotifyPromoted(ctx context.Context, itemID, title string, percentage float64) error
	NotifyError(ctx context.Context, err error) error
	TestNotification(ctx context.Context) error
}

// Config configures the Discord notifier
type Config struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
}

// New returns a Discord notifier, or a noop one when no webhook is configured
func New(cfg Config) Notifier {
	endpoint := strings.TrimSpace(cfg.WebhookURL)
	if endpoint == "" {
		return noopNotifier{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &discordNotifier{
		endpoint: endpoint,
		username: cfg.Username,
		client:   &http.Client{Timeout: timeout},
		log:      logger.Get().WithFields(map[string]interface{}{"component": "notify"}),
	}
}

// Field is an embed field
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Footer is an embed footer
type Footer struct {
	Text string `json:"text"`
}

// Embed is a Discord message embed
type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      *Footer `json:"footer,omitempty"`
}

// Message is the webhook request body
type Message struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds"`
}

type discordNotifier struct {
	endpoint string
	username string
	client   *http.Client
	log      *logger.Logger
}

func (d *discordNotifier) NotifyAdded(ctx context.Context, asin, title string) error {
	embed := Embed{
		Title:       "Added to Booklog",
		Description: "Read " + kindle.Book{ASIN: asin}.StoreURL(),
		Color:       colorInfo,
		Fields:      []Field{{Name: "ASIN", Value: asin, Inline: true}},
	}
	if title = strings.TrimSpace(title); title != "" {
		embed.Fields = append(embed.Fields, Field{Name: "Title", Value: title, Inline: true})
	}
	return d.send(ctx, embed)
}

func (d *discordNotifier) NotifyPromoted(ctx context.Context, itemID, title string, percentage float64) error {
	embed := Embed{
		Title:       "Marked as read",
		Description: strings.TrimSpace(fmt.Sprintf("%s %s", title, kindle.Book{ASIN: itemID}.StoreURL())),
		Color:       colorSuccess,
		Fields: []Field{
			{Name: "Item", Value: itemID, Inline: true},
			{Name: "Progress", Value: fmt.Sprintf("%.1f%%", percentage), Inline: true},
		},
	}
	return d.send(ctx, embed)
}

func (d *discordNotifier) NotifyError(ctx context.Context, err error) error {
	description := "unknown"
	if err != nil {
		description = strings.TrimSpace(err.Error())
	}
	return d.send(ctx, Embed{
		Title:       "Error",
		Description: description,
		Color:       colorError,
	})
}

func (d *discordNotifier) TestNotification(ctx context.Context) error {
	return d.send(ctx, Embed{
		Title:       "Test",
		Description: "Notification test",
		Color:       colorInfo,
	})
}

func (d *discordNotifier) send(ctx context.Context, embed Embed) error {
	if embed.Footer == nil {
		embed.Footer = &Footer{Text: userAgent}
	}
	body, err := json.Marshal(Message{Username: d.username, Embeds: []Embed{embed}})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	d.log.Debug("Sent notification", map[string]interface{}{"title": embed.Title})
	return nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyAdded(context.Context, string, string) error             { return nil }
func (noopNotifier) NotifyPromoted(context.Context, string, string, float64) error { return nil }
func (noopNotifier) NotifyError(context.Context, error) error                      { return nil }
func (noopNotifier) TestNotification(context.Context) error                        { return nil }
