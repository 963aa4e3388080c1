package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string         `json:"db_path"`
	DBSizeBytes   int64          `json:"db_size_bytes"`
	TotalMemories int            `json:"total_memories"`
	ByState       map[string]int `json:"by_state"`
	Transitions   int            `json:"transitions"`
	AccessLogs    int            `json:"access_logs"`
	Apps          int            `json:"apps"`
	Rules         int            `json:"rules"`
	Owners        []OwnerStats   `json:"owners"`
}

// OwnerStats holds per-owner counts.
type OwnerStats struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
	Active int    `json:"active"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, ByState: map[string]int{}}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_status_history`).Scan(&st.Transitions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_access_logs`).Scan(&st.AccessLogs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM apps`).Scan(&st.Apps)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_controls`).Scan(&st.Rules)

	stateRows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM memories GROUP BY state`)
	if err != nil {
		return st, err
	}
	for stateRows.Next() {
		var state string
		var n int
		stateRows.Scan(&state, &n)
		st.ByState[state] = n
	}
	stateRows.Close()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) AS cnt, SUM(CASE WHEN state = 'active' THEN 1 ELSE 0 END) AS active
		FROM memories GROUP BY user_id ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var o OwnerStats
		rows.Scan(&o.UserID, &o.Count, &o.Active)
		st.Owners = append(st.Owners, o)
	}

	return st, nil
}
