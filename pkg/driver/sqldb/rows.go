package sqldb

import (
	"database/sql"
	"strings"
	"time"

	"github.com/zoravur/liveview/pkg/database"
)

// scanRows reads every row into a map. When names has one entry per column
// the statement's output names are used as keys, so a server that folds
// identifier case still yields the names the statement asked for.
func scanRows(rows *sql.Rows, names []string) ([]database.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	keys := cols
	if len(names) == len(cols) {
		keys = make([]string, len(cols))
		for i, c := range cols {
			keys[i] = c
			if strings.EqualFold(c, names[i]) {
				keys[i] = names[i]
			}
		}
	}

	out := []database.Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(database.Row, len(cols))
		for i, k := range keys {
			row[k] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize maps driver values onto the types the in-memory driver stores:
// int64, float64, string, time.Time in UTC, or nil.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	}
	return v
}
