// internal/telegram/adapter.go
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gateclaw/internal/gateway"
	"github.com/user/gateclaw/internal/types"
)

const maxTelegramMessage = 4096

// Adapter bridges Telegram to the chat dispatcher: long-polled updates become
// chat.send calls, and the delivery registry routes final replies back out
// through Deliver.
type Adapter struct {
	bot  *tgbotapi.BotAPI
	chat *gateway.Coordinator
}

// New creates a Telegram adapter.
func New(token string, chat *gateway.Coordinator) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{bot: bot, chat: chat}, nil
}

// Start begins long-polling for Telegram updates. Blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	slog.Info("telegram adapter started", "bot", a.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(msg.Chat)

	if msg.IsCommand() && msg.Command() != "stop" {
		a.handleCommand(msg)
		return
	}

	// "/stop" flows through chat.send so the dispatcher treats it as an
	// abort of the session's active runs.
	ack, err := a.chat.Send(key, msg.Text, gateway.SendOptions{
		Channel: "telegram",
		To:      strconv.FormatInt(chatID, 10),
	})
	if err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I couldn't process that message.")
		return
	}
	if ack.Aborted {
		a.sendResponse(chatID, fmt.Sprintf("Stopped %d active run(s).", len(ack.RunIDs)))
	}
	// Replies arrive via Deliver once the run settles.
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to get started, or /stop to cancel a running reply.")

	case "status":
		key := buildSessionKey(msg.Chat)
		h, err := a.chat.History(key, 0)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nMessages: %d", h.SessionKey, len(h.Messages)))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /status, /stop")
	}
}

// Deliver routes a final reply back to its Telegram chat. Registered with the
// delivery registry under the "telegram:" prefix.
func (a *Adapter) Deliver(sessionKey types.SessionKey, message string) error {
	chatID, err := chatIDFromKey(sessionKey)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("telegram send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// buildSessionKey maps a Telegram chat to its session key: DMs key on the
// chat id, groups carry a "group" scope so they never collide with DMs.
func buildSessionKey(chat *tgbotapi.Chat) string {
	id := strconv.FormatInt(chat.ID, 10)
	if chat.IsGroup() || chat.IsSuperGroup() {
		return "telegram:group:" + id
	}
	return "telegram:dm:" + id
}

// chatIDFromKey recovers the chat id from a canonical or unscoped session key
// ("agent:main:telegram:dm:123" or "telegram:group:-100").
func chatIDFromKey(sessionKey types.SessionKey) (int64, error) {
	s := string(sessionKey)
	i := strings.Index(s, "telegram:")
	if i < 0 {
		return 0, fmt.Errorf("not a telegram session key: %s", sessionKey)
	}
	parts := strings.Split(s[i:], ":")
	if len(parts) < 3 {
		return 0, fmt.Errorf("malformed telegram session key: %s", sessionKey)
	}
	chatID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad chat id in session key %s: %w", sessionKey, err)
	}
	return chatID, nil
}
