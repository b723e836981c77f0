package consumer

import (
	"fmt"
	"time"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// pageTimeLayout renders the slice start without colons so the name is
// safe on every filesystem and object store we write to.
const pageTimeLayout = "2006-01-02T15-04"

// PageObjectName returns the canonical object name for one exported page:
// {prefix}_{sliceStart}_p{pageNumber}.ndjson. Names are deterministic, so
// re-running a slice overwrites its previous pages instead of duplicating
// them.
func PageObjectName(prefix string, sliceStart time.Time, pageNumber int) string {
	return fmt.Sprintf("%s_%s_p%d.ndjson", prefix, sliceStart.UTC().Format(pageTimeLayout), pageNumber)
}

// encodePage joins the raw records of a batch into NDJSON: one record per
// line, newline-terminated. Records are already serialized JSON straight
// off the wire; they are written untouched.
func encodePage(batch types.PageBatch) []byte {
	size := 0
	for _, rec := range batch.Records {
		size += len(rec) + 1
	}
	buf := make([]byte, 0, size)
	for _, rec := range batch.Records {
		buf = append(buf, rec...)
		buf = append(buf, '\n')
	}
	return buf
}
