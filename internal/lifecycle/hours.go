package lifecycle

import (
	"math"
	"strconv"
	"strings"

	"github.com/basket/tasktracker/internal/persistence"
)

// ParseHours parses user-typed hours. Both "2.5" and "2,5" are accepted.
// Empty, non-numeric, negative and non-finite values are rejected with a
// *persistence.ValidationError on field "time_spent".
func ParseHours(text string) (float64, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, &persistence.ValidationError{Field: "time_spent", Reason: "must not be empty"}
	}
	s = strings.Replace(s, ",", ".", 1)
	h, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &persistence.ValidationError{Field: "time_spent", Reason: "must be a number, e.g. 2.5"}
	}
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, &persistence.ValidationError{Field: "time_spent", Reason: "must be a finite number"}
	}
	if h < 0 {
		return 0, &persistence.ValidationError{Field: "time_spent", Reason: "must not be negative"}
	}
	return h, nil
}

// FormatHours renders hours without trailing zeros ("3.5", "2", "0.25").
func FormatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}
