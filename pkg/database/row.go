package database

import (
	"fmt"
	"strconv"
)

// Row is one result row as an ordered tuple of string, int64, float64, or nil.
type Row []any

// Int64 returns column i as an integer. Floats are truncated and numeric
// text is parsed.
func (r Row) Int64(i int) (int64, error) {
	if i < 0 || i >= len(r) {
		return 0, fmt.Errorf("column %d out of range (%d columns)", i, len(r))
	}
	switch v := r[i].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("column %d: %w", i, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("column %d is null", i)
	default:
		return 0, fmt.Errorf("column %d has unexpected type %T", i, v)
	}
}

// Float64 returns column i as a float.
func (r Row) Float64(i int) (float64, error) {
	if i < 0 || i >= len(r) {
		return 0, fmt.Errorf("column %d out of range (%d columns)", i, len(r))
	}
	switch v := r[i].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("column %d: %w", i, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("column %d is null", i)
	default:
		return 0, fmt.Errorf("column %d has unexpected type %T", i, v)
	}
}

// String returns column i as text. Null is returned as "".
func (r Row) String(i int) (string, error) {
	if i < 0 || i >= len(r) {
		return "", fmt.Errorf("column %d out of range (%d columns)", i, len(r))
	}
	switch v := r[i].(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// IsNull reports whether column i is null.
func (r Row) IsNull(i int) bool {
	return i >= 0 && i < len(r) && r[i] == nil
}
