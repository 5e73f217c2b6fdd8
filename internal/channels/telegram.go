package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tasktracker/internal/cron"
	"github.com/basket/tasktracker/internal/lifecycle"
	otelx "github.com/basket/tasktracker/internal/otel"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/shared"
)

// Tasks is the part of *lifecycle.Service the bot drives.
type Tasks interface {
	Add(ctx context.Context, description string) (lifecycle.Result, error)
	List(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)
	Close(ctx context.Context, id int64, timeSpent string) (lifecycle.Result, error)
	Edit(ctx context.Context, id int64, description string) (lifecycle.Result, error)
	Delete(ctx context.Context, id int64) (lifecycle.Result, error)
}

// Reports is the part of *cron.Scheduler the bot drives.
type Reports interface {
	Schedule(recipientID int64, hour, minute int) error
	ScheduleDefault(recipientID int64) (cron.Job, error)
	Cancel(recipientID int64) bool
	RunNow(ctx context.Context, recipientID int64) error
}

// botAPI is the subset of *tgbotapi.BotAPI used for outgoing calls.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ErrNotConnected is returned by Send before Start has connected the bot.
var ErrNotConnected = errors.New("telegram bot not connected")

type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	Tasks      Tasks
	Reports    Reports
	// Location renders card timestamps; defaults to time.Local.
	Location *time.Location
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// TelegramChannel implements Channel and cron.Sender for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	tasks      Tasks
	reports    Reports
	loc        *time.Location
	logger     *slog.Logger
	tracer     trace.Tracer

	botMu sync.RWMutex
	bot   botAPI

	convs *conversations
}

// NewTelegramChannel creates a new Telegram channel. An empty allowlist
// admits every chat.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		tasks:      cfg.Tasks,
		reports:    cfg.Reports,
		loc:        loc,
		logger:     logger.With("component", "telegram"),
		tracer:     tracer,
		convs:      newConversations(),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.setBot(api)
	t.logger.Info("telegram bot started", "user", api.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		api.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall timeout.
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			t.handleUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if !t.allowed(msg.From, msg.Chat) {
			t.logger.Warn("telegram access denied", "chat_id", chatID(msg.Chat))
			return
		}
		ctx = requestContext(ctx, msg.Chat.ID)
		t.handleMessage(ctx, msg)
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		var chat *tgbotapi.Chat
		if q.Message != nil {
			chat = q.Message.Chat
		}
		if !t.allowed(q.From, chat) {
			t.logger.Warn("telegram callback access denied", "chat_id", chatID(chat))
			return
		}
		ctx = requestContext(ctx, chatID(chat))
		t.handleCallbackQuery(ctx, q)
	}
}

func requestContext(ctx context.Context, chatID int64) context.Context {
	return shared.WithRecipientID(shared.NewRequestContext(ctx, shared.OriginTelegram), chatID)
}

func (t *TelegramChannel) allowed(from *tgbotapi.User, chat *tgbotapi.Chat) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	if from != nil {
		if _, ok := t.allowedIDs[from.ID]; ok {
			return true
		}
	}
	if chat != nil {
		if _, ok := t.allowedIDs[chat.ID]; ok {
			return true
		}
	}
	return false
}

func chatID(chat *tgbotapi.Chat) int64 {
	if chat == nil {
		return 0
	}
	return chat.ID
}

func (t *TelegramChannel) setBot(b botAPI) {
	t.botMu.Lock()
	defer t.botMu.Unlock()
	t.bot = b
}

func (t *TelegramChannel) currentBot() botAPI {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	return t.bot
}

// Send delivers a scheduled report. It implements cron.Sender.
func (t *TelegramChannel) Send(ctx context.Context, recipientID int64, text string) error {
	bot := t.currentBot()
	if bot == nil {
		return ErrNotConnected
	}
	_, span := otelx.StartClientSpan(ctx, t.tracer, "telegram.send", otelx.AttrRecipientID.Int64(recipientID))
	_, err := bot.Send(tgbotapi.NewMessage(recipientID, text))
	otelx.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("telegram send to %d: %w", recipientID, err)
	}
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	t.send(tgbotapi.NewMessage(chatID, text))
}

func (t *TelegramChannel) replyWithMarkup(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	t.send(msg)
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	t.send(tgbotapi.NewEditMessageText(chatID, messageID, text))
}

func (t *TelegramChannel) send(c tgbotapi.Chattable) {
	bot := t.currentBot()
	if bot == nil {
		return
	}
	if _, err := bot.Send(c); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) answerCallback(id string) {
	bot := t.currentBot()
	if bot == nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(id, "")); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}
