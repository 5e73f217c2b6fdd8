package channels

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/muesli/reflow/truncate"

	"github.com/basket/tasktracker/internal/persistence"
)

// pickerLabelWidth bounds the description shown on a close-picker button.
const pickerLabelWidth = 33

// Main menu labels.
const (
	btnAdd    = "➕ Добавить задачу"
	btnClose  = "✅ Закрыть задачу"
	btnList   = "📋 Показать все"
	btnDelete = "🗑️ Удалить задачу"
	btnReport = "🕗 Настроить отчёт"
)

// Callback data prefixes for inline buttons.
const (
	cbFilterPrefix = "filter_"
	cbClosePrefix  = "close_"
	cbEditPrefix   = "edit_"
	cbDeletePrefix = "delete_"
)

func mainMenu() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnAdd), tgbotapi.NewKeyboardButton(btnClose)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnList), tgbotapi.NewKeyboardButton(btnDelete)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnReport)),
	)
	kb.ResizeKeyboard = true
	return kb
}

func filterKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏳ Только открытые", cbFilterPrefix+string(persistence.FilterOpen)),
			tgbotapi.NewInlineKeyboardButtonData("✅ Только закрытые", cbFilterPrefix+string(persistence.FilterClosed)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👁️ Все задачи", cbFilterPrefix+string(persistence.FilterAll)),
		),
	)
}

// cardKeyboard offers close (open tasks only), edit and delete for a task.
func cardKeyboard(task persistence.Task) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(task.ID, 10)
	var row []tgbotapi.InlineKeyboardButton
	if !task.IsClosed {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("✅ Закрыть", cbClosePrefix+id))
	}
	row = append(row,
		tgbotapi.NewInlineKeyboardButtonData("✏️ Редактировать", cbEditPrefix+id),
		tgbotapi.NewInlineKeyboardButtonData("🗑️ Удалить", cbDeletePrefix+id),
	)
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// closePicker lists open tasks, one close button per row.
func closePicker(tasks []persistence.Task) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(tasks))
	for _, task := range tasks {
		label := fmt.Sprintf("ID %d: %s", task.ID, truncate.StringWithTail(task.Description, pickerLabelWidth, "..."))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbClosePrefix+strconv.FormatInt(task.ID, 10)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// parseTaskCallback splits "close_12" into ("close_", 12).
func parseTaskCallback(data string) (prefix string, id int64, ok bool) {
	for _, p := range []string{cbClosePrefix, cbEditPrefix, cbDeletePrefix} {
		if rest, found := strings.CutPrefix(data, p); found {
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil || id <= 0 {
				return "", 0, false
			}
			return p, id, true
		}
	}
	return "", 0, false
}
