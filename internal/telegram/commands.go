package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Status is the session summary reported by the /status command
type Status struct {
	Models          int
	TotalResponses  int
	BiasedResponses int
	ConsumerState   string
	LatestAlert     string
	ClustersSource  string
}

// StatusFunc produces the current Status on demand
type StatusFunc func() Status

// ListenForCommands answers /status and /help from the configured chat until
// ctx is cancelled. It returns immediately; polling runs in the background.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		defer c.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Chat == nil || update.Message.Chat.ID != c.chatID {
					continue
				}
				reply := handleCommand(update.Message.Command(), status)
				if reply == "" {
					continue
				}
				if err := c.send(ctx, reply); err != nil {
					log.Warn("command reply failed: %v", err)
				}
			}
		}
	}()
}

func handleCommand(command string, status StatusFunc) string {
	switch command {
	case "status":
		return formatStatus(status())
	case "help", "start":
		return "Commands:\n/status \\- current bias summary\n/help \\- this message"
	}
	return ""
}

func formatStatus(s Status) string {
	var b strings.Builder
	b.WriteString("📊 *Bias summary*\n\n")
	pct := 0.0
	if s.TotalResponses > 0 {
		pct = 100 * float64(s.BiasedResponses) / float64(s.TotalResponses)
	}
	b.WriteString(fmt.Sprintf("Models: %d\n", s.Models))
	b.WriteString(fmt.Sprintf("Responses: %d, biased: %d \\(%s\\)\n",
		s.TotalResponses, s.BiasedResponses, escapeMarkdownV2(fmt.Sprintf("%.1f%%", pct))))
	if s.ClustersSource != "" {
		b.WriteString(fmt.Sprintf("Clusters: %s\n", escapeMarkdownV2(s.ClustersSource)))
	}
	b.WriteString(fmt.Sprintf("Alert stream: %s\n", escapeMarkdownV2(s.ConsumerState)))
	if s.LatestAlert != "" {
		b.WriteString(fmt.Sprintf("Latest alert: %s\n", escapeMarkdownV2(s.LatestAlert)))
	}
	return b.String()
}
