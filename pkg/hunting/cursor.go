package hunting

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// Cursor marks the composite position (timestamp, record id) of the last row
// retrieved from a slice. The zero value means no cursor: the next query
// starts from the beginning of the window.
type Cursor struct {
	Timestamp time.Time
	RecordID  string

	// numericID records whether the id was a JSON number, which controls
	// whether the predicate renders it bare or as a string literal.
	numericID bool
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.RecordID == ""
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s/%s", c.Timestamp.UTC().Format(time.RFC3339Nano), c.RecordID)
}

// NextCursor derives the continuation cursor from the last record of a page.
// Both anchor fields must be present and non-empty; gjson path syntax is
// accepted, so nested fields work. A record that cannot yield a cursor
// (absent field, empty value, unparseable timestamp) returns
// ErrMissingAnchor.
func NextCursor(rec types.Record, timestampField, recordIDField string) (Cursor, error) {
	tsVal := gjson.GetBytes(rec, timestampField)
	if !tsVal.Exists() || tsVal.String() == "" {
		return Cursor{}, fmt.Errorf("%w: %q not present in record", ErrMissingAnchor, timestampField)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsVal.String())
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q value %q is not a timestamp", ErrMissingAnchor, timestampField, tsVal.String())
	}

	idVal := gjson.GetBytes(rec, recordIDField)
	if !idVal.Exists() || idVal.String() == "" {
		return Cursor{}, fmt.Errorf("%w: %q not present in record", ErrMissingAnchor, recordIDField)
	}

	return Cursor{
		Timestamp: ts.UTC(),
		RecordID:  idVal.String(),
		numericID: idVal.Type == gjson.Number,
	}, nil
}
