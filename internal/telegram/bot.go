// Package telegram exposes the chat through a Telegram bot. Menu entries are
// rendered as inline keyboard buttons; pressing one selects that follow-up.
// Buttons carry the menu layer they were drawn for, so a button left on an
// older message cannot select from a newer menu.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/fastfollow/internal/chat"
	"github.com/ashureev/fastfollow/internal/identity"
	"github.com/ashureev/fastfollow/internal/store"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	callbackPrefix = "fu:"
	channel        = "telegram"

	startText   = "Ask me anything. After each answer I suggest follow-up questions; tap one (or send its number) to get its answer instantly.\n\n/reset starts over."
	resetText   = "Conversation cleared. Ask a new question."
	busyText    = "Still working on your previous message, please wait."
	failureText = "Sorry, I couldn't generate an answer. Please try again."
	emptyMenu   = "No further follow-ups. Ask a new question."
)

// Sender is the subset of the Telegram client the bot uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Bot routes Telegram updates to chat sessions, one session per chat.
type Bot struct {
	sessions *chat.Manager
	repo     store.Repository
	logger   *slog.Logger
}

// New creates a bot adapter. repo may be nil.
func New(sessions *chat.Manager, repo store.Repository, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{sessions: sessions, repo: repo, logger: logger}
}

// Run connects with token and processes updates until ctx is done.
func (b *Bot) Run(ctx context.Context, token string) error {
	client, err := bot.New(token, bot.WithDefaultHandler(b.handle))
	if err != nil {
		return err
	}
	b.logger.Info("Telegram bot started")
	client.Start(ctx)
	b.logger.Info("Telegram bot stopped")
	return nil
}

func (b *Bot) handle(ctx context.Context, client *bot.Bot, update *models.Update) {
	b.HandleUpdate(ctx, client, update)
}

// HandleUpdate processes one Telegram update, replying through sender.
func (b *Bot) HandleUpdate(ctx context.Context, sender Sender, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, sender, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.handleMessage(ctx, sender, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, sender Sender, msg *models.Message) {
	chatID := msg.Chat.ID
	userID := telegramUserID(msg.From.ID)
	sessionID := chatSessionID(chatID)
	b.ensureUser(ctx, userID, msg.From)

	switch strings.TrimSpace(msg.Text) {
	case "/start", "/help":
		b.send(ctx, sender, chatID, startText, nil)
		return
	case "/reset":
		b.sessions.Drop(userID, sessionID)
		b.send(ctx, sender, chatID, resetText, nil)
		return
	}

	b.run(ctx, sender, chatID, userID, sessionID, chat.ParseInput(msg.Text))
}

func (b *Bot) handleCallback(ctx context.Context, sender Sender, query *models.CallbackQuery) {
	if _, err := sender.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
		b.logger.Warn("failed to answer callback query", "error", err)
	}

	layer, index, ok := parseCallbackData(query.Data)
	if !ok {
		b.logger.Warn("unknown callback data", "data", query.Data)
		return
	}

	chatID := callbackChatID(query)
	userID := telegramUserID(query.From.ID)
	b.ensureUser(ctx, userID, &query.From)
	b.run(ctx, sender, chatID, userID, chatSessionID(chatID), chat.SelectFrom(layer, index))
}

func (b *Bot) run(ctx context.Context, sender Sender, chatID int64, userID, sessionID string, in chat.Input) {
	ctx = identity.WithIdentity(ctx, userID, sessionID)
	session := b.sessions.Get(userID, sessionID)

	for update, err := range session.Handle(ctx, in.Via(channel)) {
		if err != nil {
			if errors.Is(err, chat.ErrSessionBusy) {
				b.send(ctx, sender, chatID, busyText, nil)
				return
			}
			b.logger.Error("Telegram chat operation failed", "user_id", userID, "session_id", sessionID, "error", err)
			b.send(ctx, sender, chatID, failureText, nil)
			return
		}
		b.sendUpdate(ctx, sender, chatID, update)
	}
}

func (b *Bot) sendUpdate(ctx context.Context, sender Sender, chatID int64, update *chat.Update) {
	switch update.Kind {
	case chat.UpdateMenu:
		keyboard := Keyboard(update.Entries, update.Layer)
		if keyboard == nil {
			b.send(ctx, sender, chatID, emptyMenu, nil)
			return
		}
		b.send(ctx, sender, chatID, menuText(update.Entries), keyboard)
	case chat.UpdateAnswer:
		b.send(ctx, sender, chatID, update.Exchange.Response, Keyboard(update.Entries, update.Layer))
	default:
		b.send(ctx, sender, chatID, update.Exchange.Response, nil)
	}
}

func (b *Bot) send(ctx context.Context, sender Sender, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}
	if _, err := sender.SendMessage(ctx, params); err != nil {
		b.logger.Warn("error sending telegram message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) ensureUser(ctx context.Context, userID string, from *models.User) {
	if b.repo == nil {
		return
	}
	username := from.Username
	if username == "" {
		username = from.FirstName
	}
	if username == "" {
		username = identity.DeriveUsername(userID)
	}
	if err := identity.EnsureUser(ctx, b.repo, userID, username); err != nil {
		b.logger.Warn("failed to record telegram user", "user_id", userID, "error", err)
	}
}

// Keyboard lays out one button per visible entry of layer, or returns nil
// when there are none.
func Keyboard(entries []chat.Entry, layer string) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	for _, e := range entries {
		if !e.Visible {
			continue
		}
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         strconv.Itoa(e.Index) + ". " + e.Label,
			CallbackData: callbackData(layer, e.Index),
		}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func menuText(entries []chat.Entry) string {
	var sb strings.Builder
	sb.WriteString("Follow-ups:")
	for _, e := range entries {
		if e.Visible {
			sb.WriteString("\n" + strconv.Itoa(e.Index) + ". " + e.Label)
		}
	}
	return sb.String()
}

// callbackData encodes a button as "fu:<layer>:<index>".
func callbackData(layer string, index int) string {
	return callbackPrefix + layer + ":" + strconv.Itoa(index)
}

func parseCallbackData(data string) (string, int, bool) {
	raw, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return "", 0, false
	}
	layer, rawIndex, ok := strings.Cut(raw, ":")
	if !ok || layer == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return "", 0, false
	}
	return layer, index, true
}

func callbackChatID(query *models.CallbackQuery) int64 {
	switch {
	case query.Message.Message != nil:
		return query.Message.Message.Chat.ID
	case query.Message.InaccessibleMessage != nil:
		return query.Message.InaccessibleMessage.Chat.ID
	default:
		return query.From.ID
	}
}

func telegramUserID(id int64) string {
	return "tg_" + strconv.FormatInt(id, 10)
}

func chatSessionID(chatID int64) string {
	return "tg-chat-" + strconv.FormatInt(chatID, 10)
}
