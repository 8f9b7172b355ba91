// Package telegram forwards bias alerts and polling health notices to a
// Telegram chat via the Bot API, and answers a small set of chat commands
// with the current session status.
//
// Messages use MarkdownV2; every dynamic fragment goes through
// escapeMarkdownV2 before it is interpolated.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
)

var log = logger.For("telegram")

// sender is the part of tgbotapi.BotAPI used for outbound messages
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            *tgbotapi.BotAPI
	out            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c, err := newClient(bot, chatID, maxRetries, retryDelayBase)
	if err != nil {
		return nil, err
	}
	c.bot = bot
	return c, nil
}

func newClient(out sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		out:            out,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendAlert forwards one pushed bias alert
func (c *Client) SendAlert(ctx context.Context, ev models.AlertEvent) error {
	return c.send(ctx, formatAlert(ev))
}

// SendError reports the first failure of a polling streak
func (c *Client) SendError(ctx context.Context, err error) error {
	return c.send(ctx, formatError(err))
}

// SendRecovery reports that polling succeeded again after failures
// consecutive failed cycles spanning downtime.
func (c *Client) SendRecovery(ctx context.Context, failures int, downtime time.Duration) error {
	return c.send(ctx, formatRecovery(failures, downtime))
}

func (c *Client) send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.out.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("send attempt %d/%d failed: %v", i+1, c.maxRetries, err)
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

func formatAlert(ev models.AlertEvent) string {
	var b strings.Builder
	b.WriteString("🚨 *Bias alert*\n\n")
	b.WriteString(escapeMarkdownV2(ev.Alert))
	b.WriteString("\n\n")
	if !ev.ReceivedAt.IsZero() {
		b.WriteString(fmt.Sprintf("📅 Received: %s ", escapeMarkdownV2(ev.ReceivedAt.Format("2006-01-02 15:04:05"))))
	}
	b.WriteString(fmt.Sprintf("\\(\\#%d\\)", ev.Seq))
	return b.String()
}

func formatError(err error) string {
	return fmt.Sprintf("⚠️ *Polling failed*\n\n%s\n\nShowing the last good snapshot until the service recovers\\.",
		escapeMarkdownV2(err.Error()))
}

func formatRecovery(failures int, downtime time.Duration) string {
	cycles := "cycle"
	if failures != 1 {
		cycles = "cycles"
	}
	return fmt.Sprintf("✅ *Polling recovered* after %d failed %s \\(down %s\\)",
		failures, cycles, escapeMarkdownV2(formatDuration(downtime)))
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! all take a \ prefix
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		if mins := int(d.Minutes()) % 60; mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins := int(d.Minutes()); mins >= 1 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
