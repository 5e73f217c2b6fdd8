package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// Stats summarizes the task table for the dashboard.
type Stats struct {
	Total        int          `json:"total"`
	Open         int          `json:"open"`
	Closed       int          `json:"closed"`
	AvgTimeSpent float64      `json:"avg_time"`
	TopLongTasks []TaskEffort `json:"top_long_tasks"`
}

// TaskEffort is a closed task and the hours recorded against it.
type TaskEffort struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	TimeSpent   float64 `json:"time_spent"`
}

const topLongTasksLimit = 5

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN is_closed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_closed = 1 THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN is_closed = 1 THEN time_spent END)
		FROM tasks;
	`).Scan(&st.Total, &st.Open, &st.Closed, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("task counts: %w", err)
	}
	if avg.Valid {
		st.AvgTimeSpent = math.Round(avg.Float64*100) / 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, time_spent
		FROM tasks
		WHERE is_closed = 1 AND time_spent IS NOT NULL
		ORDER BY time_spent DESC, id DESC
		LIMIT ?;
	`, topLongTasksLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("top long tasks: %w", err)
	}
	defer rows.Close()
	st.TopLongTasks = []TaskEffort{}
	for rows.Next() {
		var te TaskEffort
		if err := rows.Scan(&te.ID, &te.Description, &te.TimeSpent); err != nil {
			return Stats{}, fmt.Errorf("scan top long task: %w", err)
		}
		st.TopLongTasks = append(st.TopLongTasks, te)
	}
	return st, rows.Err()
}
