package consumer

import (
	"context"
	"os"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// StdoutConsumer writes each page to stdout as NDJSON. Useful for piping
// an export into jq or another process.
type StdoutConsumer struct{}

// NewStdoutConsumer creates a new StdoutConsumer instance.
func NewStdoutConsumer() *StdoutConsumer {
	return &StdoutConsumer{}
}

func (s *StdoutConsumer) Process(ctx context.Context, batch types.PageBatch) error {
	_, err := os.Stdout.Write(encodePage(batch))
	return err
}

func (s *StdoutConsumer) Close() error {
	return nil
}
