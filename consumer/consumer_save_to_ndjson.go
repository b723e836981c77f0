package consumer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToNDJSON writes each page as one newline-delimited JSON file under
// a local directory.
type SaveToNDJSON struct {
	outputDir  string
	filePrefix string
}

func NewSaveToNDJSON(config map[string]interface{}) (*SaveToNDJSON, error) {
	outputDir, ok := config["output_dir"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid configuration: missing 'output_dir'")
	}

	filePrefix := getStringConfig(config, "file_prefix", "events")

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %s", outputDir)
	}

	log.Printf("SaveToNDJSON: writing pages to %s with prefix %q", outputDir, filePrefix)

	return &SaveToNDJSON{
		outputDir:  outputDir,
		filePrefix: filePrefix,
	}, nil
}

func (c *SaveToNDJSON) Process(ctx context.Context, batch types.PageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := PageObjectName(c.filePrefix, batch.SliceStart, batch.PageNumber)
	path := filepath.Join(c.outputDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}

	if _, err := f.Write(encodePage(batch)); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}

	return nil
}

func (c *SaveToNDJSON) Close() error {
	return nil
}
