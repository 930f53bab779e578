package destination

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedRow is returned when a column is missing or has an
// unexpected type
var ErrMalformedRow = errors.New("destination: malformed row")

// Row is one result row keyed by column name
type Row map[string]any

// String reads a required text column
func (r Row) String(col string) (string, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", errors.Wrapf(ErrMalformedRow, "column %q missing", col)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", errors.Wrapf(ErrMalformedRow, "column %q is %T", col, v)
	}
}

// OptionalString reads a nullable text column
func (r Row) OptionalString(col string) string {
	s, err := r.String(col)
	if err != nil {
		return ""
	}
	return s
}

// Time reads a timestamp column
func (r Row) Time(col string) (time.Time, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return time.Time{}, errors.Wrapf(ErrMalformedRow, "column %q missing", col)
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, errors.Wrapf(ErrMalformedRow, "column %q is %T", col, v)
	}
	return t, nil
}
