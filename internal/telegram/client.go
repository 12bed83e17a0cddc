// Package telegram mirrors alerts and operator notices to a Telegram chat and
// answers bot commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/quotesentinel/internal/logger"
)

// CommandHandler serves the bot commands that need the monitoring engine.
type CommandHandler interface {
	// Check runs an immediate detection for the symbols and returns a summary.
	Check(ctx context.Context, symbols []string) (string, error)
	// Status returns a one-message health summary.
	Status() string
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, handler CommandHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || !msg.IsCommand() || msg.Chat.ID != c.chatID {
					continue
				}
				text := commandReply(ctx, handler, msg.Command(), msg.CommandArguments())
				if text == "" {
					continue
				}
				if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
					logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
				}
			}
		}
	}()
}

// commandReply produces the plain-text answer for a command, or "" for unknown commands.
func commandReply(ctx context.Context, handler CommandHandler, command, args string) string {
	switch command {
	case "ping":
		return "Pong"
	case "status":
		if handler == nil {
			return "Engine not attached"
		}
		return handler.Status()
	case "check":
		symbols := parseSymbols(args)
		if len(symbols) == 0 {
			return "Usage: /check AAPL.US [TSLA.US ...]"
		}
		if handler == nil {
			return "Engine not attached"
		}
		summary, err := handler.Check(ctx, symbols)
		if err != nil {
			return fmt.Sprintf("Check failed: %v", err)
		}
		return summary
	}
	return ""
}

func parseSymbols(args string) []string {
	fields := strings.FieldsFunc(args, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	symbols := make([]string, 0, len(fields))
	for _, f := range fields {
		symbols = append(symbols, strings.ToUpper(f))
	}
	return symbols
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// Post mirrors one alert or operator notice.
func (c *Client) Post(ctx context.Context, title, body string) error {
	return c.sendMarkdownV2(ctx, formatMessage(title, body))
}

// formatMessage converts a webhook markdown alert into Telegram MarkdownV2.
func formatMessage(title, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", escapeMarkdownV2(title))
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		line = strings.ReplaceAll(strings.TrimSpace(line), "**", "")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			line = "• " + strings.TrimPrefix(line, "- ")
		}
		b.WriteString(escapeMarkdownV2(line))
		b.WriteByte('\n')
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
