package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/lifecycle"
	"github.com/basket/tasktracker/internal/persistence"
)

const (
	msgChooseAction  = "Выберите действие:"
	msgUnknownButton = "Неизвестная команда. Используйте кнопки."
	msgNotUnderstood = "Не понимаю. Выберите действие через кнопки."
	msgAskDesc       = "Введите описание задачи:"
	msgAskDeleteID   = "Введите ID задачи для удаления:"
	msgAskNewDesc    = "Введите новое описание задачи:"
	msgChooseFilter  = "Выберите фильтр:"
	msgChooseClose   = "Выберите задачу для закрытия:"
	msgNoneToClose   = "📭 Нет открытых задач для закрытия."
	msgIDNotNumber   = "ID должен быть числом!"
	msgHoursNumber   = "Пожалуйста, введите число (например, 2.5)."
	msgAlreadyGone   = "Задача уже удалена."
	msgReportFailed  = "❌ Не удалось сформировать отчёт."
)

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chat := msg.Chat.ID
	if msg.IsCommand() {
		t.convs.reset(chat)
		t.handleCommand(ctx, chat, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if t.handleMenu(ctx, chat, text) {
		return
	}

	conv := t.convs.get(chat)
	switch conv.State {
	case StateAwaitingDescription:
		res, err := t.tasks.Add(ctx, text)
		if err != nil {
			t.reply(chat, lifecycle.Describe(err))
			if !persistence.IsValidation(err) {
				t.convs.reset(chat)
			}
			return
		}
		t.convs.reset(chat)
		t.reply(chat, res.Message)
		t.showMainMenu(chat)

	case StateAwaitingCloseHours:
		res, err := t.tasks.Close(ctx, conv.TaskID, text)
		if err != nil {
			if persistence.IsValidation(err) {
				t.reply(chat, msgHoursNumber)
				return
			}
			t.convs.reset(chat)
			t.reply(chat, lifecycle.Describe(err))
			return
		}
		t.convs.reset(chat)
		t.reply(chat, res.Message)
		t.showMainMenu(chat)

	case StateAwaitingDeleteID:
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			t.reply(chat, msgIDNotNumber)
			return
		}
		res, err := t.tasks.Delete(ctx, id)
		if err != nil {
			// Stay in the delete dialog so another id can be tried.
			t.reply(chat, lifecycle.Describe(err))
			return
		}
		t.convs.reset(chat)
		t.reply(chat, res.Message)
		t.showMainMenu(chat)

	case StateAwaitingEditDescription:
		res, err := t.tasks.Edit(ctx, conv.TaskID, text)
		if err != nil {
			t.reply(chat, lifecycle.Describe(err))
			if !persistence.IsValidation(err) {
				t.convs.reset(chat)
			}
			return
		}
		t.convs.reset(chat)
		t.reply(chat, res.Message)
		t.showMainMenu(chat)

	default:
		t.reply(chat, msgNotUnderstood)
	}
}

// handleMenu reacts to a main-menu button. Pressing a button abandons any
// dialog in progress.
func (t *TelegramChannel) handleMenu(ctx context.Context, chat int64, text string) bool {
	switch text {
	case btnAdd:
		t.convs.set(chat, Conversation{State: StateAwaitingDescription})
		t.reply(chat, msgAskDesc)
	case btnClose:
		t.convs.reset(chat)
		t.showCloseCandidates(ctx, chat)
	case btnList:
		t.convs.reset(chat)
		t.replyWithMarkup(chat, msgChooseFilter, filterKeyboard())
	case btnDelete:
		t.convs.set(chat, Conversation{State: StateAwaitingDeleteID})
		t.reply(chat, msgAskDeleteID)
	case btnReport:
		t.convs.reset(chat)
		t.subscribeDefault(chat)
	default:
		return false
	}
	return true
}

func (t *TelegramChannel) handleCommand(ctx context.Context, chat int64, cmd, args string) {
	switch cmd {
	case "start":
		t.showMainMenu(chat)

	case "add":
		if args == "" {
			t.reply(chat, "Использование: /add <описание задачи>")
			return
		}
		res, err := t.tasks.Add(ctx, args)
		if err != nil {
			t.reply(chat, lifecycle.Describe(err))
			return
		}
		t.reply(chat, res.Message)

	case "close":
		fields := strings.Fields(args)
		if len(fields) < 2 {
			t.reply(chat, "Использование: /close <id> <часы>")
			return
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			t.reply(chat, "ID и время должны быть числами!")
			return
		}
		res, err := t.tasks.Close(ctx, id, fields[1])
		if err != nil {
			t.reply(chat, lifecycle.Describe(err))
			return
		}
		t.reply(chat, res.Message)

	case "list":
		t.replyWithMarkup(chat, msgChooseFilter, filterKeyboard())

	case "setdaily":
		if args == "" {
			t.subscribeDefault(chat)
			return
		}
		hour, minute, err := config.ParseClock(args)
		if err != nil {
			t.reply(chat, "Использование: /setdaily [ЧЧ:ММ], например /setdaily 09:00")
			return
		}
		if err := t.reports.Schedule(chat, hour, minute); err != nil {
			t.logger.Error("schedule report failed", "chat_id", chat, "error", err)
			t.reply(chat, "❌ Не удалось настроить отчёт.")
			return
		}
		t.reply(chat, fmt.Sprintf("✅ Ежедневный отчёт установлен на %02d:%02d.", hour, minute))

	case "stopdaily":
		if t.reports.Cancel(chat) {
			t.reply(chat, "🛑 Ежедневный отчёт отключён.")
			return
		}
		t.reply(chat, "Ежедневный отчёт не был настроен.")

	case "report":
		if err := t.reports.RunNow(ctx, chat); err != nil {
			t.reply(chat, msgReportFailed)
		}

	default:
		t.reply(chat, msgUnknownButton)
	}
}

func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, q *tgbotapi.CallbackQuery) {
	t.answerCallback(q.ID)
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chat := q.Message.Chat.ID
	messageID := q.Message.MessageID

	if raw, ok := strings.CutPrefix(q.Data, cbFilterPrefix); ok {
		filter, err := persistence.ParseFilter(raw)
		if err != nil {
			return
		}
		t.convs.reset(chat)
		t.showTasks(ctx, chat, messageID, filter)
		return
	}

	prefix, id, ok := parseTaskCallback(q.Data)
	if !ok {
		t.logger.Debug("ignoring unknown callback", "data", q.Data)
		return
	}
	switch prefix {
	case cbClosePrefix:
		t.convs.set(chat, Conversation{State: StateAwaitingCloseHours, TaskID: id})
		t.editMessageText(chat, messageID,
			fmt.Sprintf("Вы выбрали задачу ID %d. Введите потраченное время (в часах):", id))
	case cbEditPrefix:
		t.convs.set(chat, Conversation{State: StateAwaitingEditDescription, TaskID: id})
		t.editMessageText(chat, messageID, msgAskNewDesc)
	case cbDeletePrefix:
		res, err := t.tasks.Delete(ctx, id)
		switch {
		case err == nil:
			t.editMessageText(chat, messageID, res.Message)
		case persistence.IsNotFound(err):
			t.editMessageText(chat, messageID, msgAlreadyGone)
		default:
			t.editMessageText(chat, messageID, lifecycle.Describe(err))
		}
	}
}

func (t *TelegramChannel) showMainMenu(chat int64) {
	t.replyWithMarkup(chat, msgChooseAction, mainMenu())
}

func (t *TelegramChannel) subscribeDefault(chat int64) {
	job, err := t.reports.ScheduleDefault(chat)
	if err != nil {
		t.logger.Error("schedule report failed", "chat_id", chat, "error", err)
		t.reply(chat, "❌ Планировщик не запущен.")
		return
	}
	t.reply(chat, fmt.Sprintf("✅ Ежедневный отчёт установлен на %02d:%02d.", job.Hour, job.Minute))
}

// showCloseCandidates lists open tasks oldest first as close buttons.
func (t *TelegramChannel) showCloseCandidates(ctx context.Context, chat int64) {
	tasks, err := t.tasks.List(ctx, persistence.FilterOpen)
	if err != nil {
		t.reply(chat, lifecycle.Describe(err))
		return
	}
	if len(tasks) == 0 {
		t.reply(chat, msgNoneToClose)
		return
	}
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	t.replyWithMarkup(chat, msgChooseClose, closePicker(tasks))
}

// showTasks replaces the filter prompt with a heading, then sends one card
// per task, newest first.
func (t *TelegramChannel) showTasks(ctx context.Context, chat int64, messageID int, filter persistence.Filter) {
	tasks, err := t.tasks.List(ctx, filter)
	if err != nil {
		t.editMessageText(chat, messageID, lifecycle.Describe(err))
		return
	}
	title := filterTitle(filter)
	if len(tasks) == 0 {
		t.editMessageText(chat, messageID, fmt.Sprintf("📭 %s: задач нет.", title))
		return
	}
	t.editMessageText(chat, messageID, fmt.Sprintf("👇 %s:", title))
	for _, task := range tasks {
		t.replyWithMarkup(chat, t.renderCard(task), cardKeyboard(task))
	}
}

func filterTitle(f persistence.Filter) string {
	switch f {
	case persistence.FilterOpen:
		return "⏳ ОТКРЫТЫЕ ЗАДАЧИ"
	case persistence.FilterClosed:
		return "✅ ЗАКРЫТЫЕ ЗАДАЧИ"
	default:
		return "📋 ВСЕ ЗАДАЧИ"
	}
}

const cardTimeLayout = "2006-01-02 15:04:05"

func (t *TelegramChannel) renderCard(task persistence.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔖 ID: %d\n📝 %s\n📆 Создана: %s\n", task.ID, task.Description,
		task.CreatedAt.In(t.loc).Format(cardTimeLayout))
	if !task.IsClosed {
		b.WriteString("⏳ ОТКРЫТА")
		return b.String()
	}
	b.WriteString("✅ ЗАКРЫТА")
	if task.ClosedAt != nil {
		fmt.Fprintf(&b, "\n🕒 Закрыта: %s", task.ClosedAt.In(t.loc).Format(cardTimeLayout))
	}
	if task.TimeSpent != nil {
		fmt.Fprintf(&b, "\n⏱️ Потрачено: %s ч.", lifecycle.FormatHours(*task.TimeSpent))
	}
	return b.String()
}

