package lifecycle

import (
	"errors"
	"fmt"

	"github.com/basket/tasktracker/internal/persistence"
)

// Describe maps a lifecycle error to the line shown to a chat user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var nf *persistence.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("Задача с ID %d не найдена.", nf.ID)
	}
	if errors.Is(err, persistence.ErrAlreadyClosed) {
		return "Задача уже закрыта!"
	}
	var ve *persistence.ValidationError
	if errors.As(err, &ve) {
		switch ve.Field {
		case "time_spent":
			return "Пожалуйста, введите неотрицательное число часов (например, 2.5)."
		case "description":
			return "Описание задачи не может быть пустым."
		case "id":
			return "ID должен быть числом!"
		default:
			return "Некорректный ввод: " + ve.Reason
		}
	}
	return "⚠️ Не удалось выполнить операцию. Попробуйте позже."
}

// Outcome classifies err for audit records and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case persistence.IsNotFound(err):
		return "not_found"
	case errors.Is(err, persistence.ErrAlreadyClosed):
		return "already_closed"
	case persistence.IsValidation(err):
		return "validation"
	default:
		return "storage"
	}
}

func addedMessage(t *persistence.Task) string {
	return fmt.Sprintf("✅ Задача добавлена!\nID: %d\nОписание: %s", t.ID, t.Description)
}

func closedMessage(t *persistence.Task) string {
	var hours float64
	if t.TimeSpent != nil {
		hours = *t.TimeSpent
	}
	return fmt.Sprintf("✅ Задача \"%s\" закрыта.\nПотрачено времени: %s ч.", t.Description, FormatHours(hours))
}

func editedMessage(t *persistence.Task) string {
	return fmt.Sprintf("✏️ Задача обновлена: \"%s\"", t.Description)
}

func deletedMessage(description string) string {
	return fmt.Sprintf("🗑️ Задача \"%s\" удалена.", description)
}
