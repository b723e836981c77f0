package consumer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToS3 uploads each page as one NDJSON object to Amazon S3.
// Credentials come from the standard AWS chain (environment variables,
// ~/.aws/credentials, or an IAM role).
type SaveToS3 struct {
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

func NewSaveToS3(cfgMap map[string]interface{}) (*SaveToS3, error) {
	bucketName, ok := cfgMap["bucket_name"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid configuration: missing 'bucket_name'")
	}

	region := getStringConfig(cfgMap, "region", "us-east-1")
	keyPrefix := getStringConfig(cfgMap, "key_prefix", "hunting")

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	uploader := manager.NewUploader(client)

	log.Printf("SaveToS3: writing pages to s3://%s/%s in region %s", bucketName, keyPrefix, region)

	return &SaveToS3{
		uploader:  uploader,
		bucket:    bucketName,
		keyPrefix: keyPrefix,
	}, nil
}

func (c *SaveToS3) objectKey(batch types.PageBatch) string {
	day := batch.SliceStart.UTC().Format("2006/01/02")
	return path.Join(c.keyPrefix, day, PageObjectName("events", batch.SliceStart, batch.PageNumber))
}

func (c *SaveToS3) Process(ctx context.Context, batch types.PageBatch) error {
	key := c.objectKey(batch)

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(encodePage(batch)),
		ContentType:  aws.String("application/x-ndjson"),
		Metadata:     map[string]string{"run-id": batch.RunID},
		StorageClass: s3types.StorageClassStandard,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 %s/%s: %w", c.bucket, key, err)
	}

	return nil
}

func (c *SaveToS3) Close() error {
	return nil
}
