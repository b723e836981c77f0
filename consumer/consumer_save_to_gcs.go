package consumer

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToGCS uploads each page as one NDJSON object. Object names are
// deterministic, so re-running a slice replaces its pages in place.
type SaveToGCS struct {
	bucketName   string
	objectPrefix string
	client       *storage.Client
}

func NewSaveToGCS(config map[string]interface{}) (*SaveToGCS, error) {
	bucketName, ok := config["bucket_name"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid configuration: missing 'bucket_name'")
	}

	objectPrefix := getStringConfig(config, "object_prefix", "hunting")

	var opts []option.ClientOption
	if credsFile := getStringConfig(config, "credentials_file", ""); credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %v", err)
	}

	log.Printf("SaveToGCS: writing pages to gs://%s/%s", bucketName, objectPrefix)

	return &SaveToGCS{
		bucketName:   bucketName,
		objectPrefix: objectPrefix,
		client:       client,
	}, nil
}

func (g *SaveToGCS) objectName(batch types.PageBatch) string {
	day := batch.SliceStart.UTC().Format("2006/01/02")
	return path.Join(g.objectPrefix, day, PageObjectName("events", batch.SliceStart, batch.PageNumber))
}

func (g *SaveToGCS) Process(ctx context.Context, batch types.PageBatch) error {
	obj := g.client.Bucket(g.bucketName).Object(g.objectName(batch))

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.Metadata = map[string]string{
		"run-id":     batch.RunID,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := w.Write(encodePage(batch)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %v", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %v", err)
	}

	return nil
}

func (g *SaveToGCS) Close() error {
	return g.client.Close()
}
