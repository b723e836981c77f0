package hunting

import (
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// kqlTimeLayout renders instants at 100ns tick precision, the resolution the
// hunting endpoint stores timestamps at.
const kqlTimeLayout = "2006-01-02T15:04:05.0000000Z"

// QueryBuilder renders the bounded, ordered hunting query for one window and
// cursor position. Build is pure: the same (window, cursor) pair always
// yields the same query text, so a retried call re-issues an identical query.
type QueryBuilder struct {
	Table          string
	TimestampField string
	RecordIDField  string
	PageSize       int
}

// Validate checks the builder before any query is issued.
func (b QueryBuilder) Validate() error {
	if b.Table == "" {
		return fmt.Errorf("%w: table must be specified", ErrInvalidConfiguration)
	}
	if b.TimestampField == "" {
		return fmt.Errorf("%w: timestamp field must be specified", ErrInvalidConfiguration)
	}
	if b.RecordIDField == "" {
		return fmt.Errorf("%w: record id field must be specified", ErrInvalidConfiguration)
	}
	if b.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidConfiguration, b.PageSize)
	}
	return nil
}

// Build renders the query for one page: restrict to the window, skip rows at
// or before the cursor, order by the composite key, cap the row count.
func (b QueryBuilder) Build(w types.TimeWindow, c Cursor) string {
	var sb strings.Builder
	sb.WriteString(b.Table)
	fmt.Fprintf(&sb, "\n| where %s >= datetime(%s) and %s < datetime(%s)",
		b.TimestampField, kqlTime(w.Start), b.TimestampField, kqlTime(w.End))
	if !c.IsZero() {
		ts := kqlTime(c.Timestamp)
		fmt.Fprintf(&sb, "\n| where %s > datetime(%s) or (%s == datetime(%s) and %s > %s)",
			b.TimestampField, ts, b.TimestampField, ts, b.RecordIDField, kqlValue(c))
	}
	fmt.Fprintf(&sb, "\n| order by %s asc, %s asc", b.TimestampField, b.RecordIDField)
	fmt.Fprintf(&sb, "\n| take %d", b.PageSize)
	return sb.String()
}

func kqlTime(t time.Time) string {
	return t.UTC().Format(kqlTimeLayout)
}

// kqlValue renders the cursor's record id: bare for ids that were JSON
// numbers, a quoted KQL string literal otherwise.
func kqlValue(c Cursor) string {
	if c.numericID {
		return c.RecordID
	}
	return kqlQuote(c.RecordID)
}

func kqlQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
