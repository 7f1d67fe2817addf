package journal

import (
	"fmt"
	"strings"
)

// ErrQueryRejected is returned by Query when the statement is not a pure
// read.
type ErrQueryRejected struct {
	Statement string
}

func (e *ErrQueryRejected) Error() string {
	return fmt.Sprintf("journal: rejected non-SELECT/WITH statement: %q", e.Statement)
}

// Query runs an agent-facing ad hoc statement, rejecting anything that
// isn't a pure SELECT or WITH. Returned rows are flattened to
// column-name-keyed maps.
func (s *Store) Query(statement string, args ...any) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(statement)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, &ErrQueryRejected{Statement: trimmed}
	}

	rows, err := s.db.Query(statement, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("journal query: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("journal query: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
