package fileserver

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver implements LogArchiver against an S3-compatible bucket,
// adapted from the teacher's pkg/storage/postgres.S3Client (same
// config.LoadDefaultConfig/s3.NewFromConfig construction, generalized
// from proto-file content-addressable storage to a per-build key) to
// back §4.7's optional build-log archive.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an S3Archiver for bucket in region. prefix, if
// non-empty, is prepended to every object key (e.g. "build-logs").
func NewS3Archiver(ctx context.Context, bucket, region, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("fileserver: load AWS config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Archive uploads contents under a key derived from buildID. Failures are
// logged by the caller (fileserver.Server.ReceiveFiles treats archiving as
// best-effort) and never block the locally published build.
func (a *S3Archiver) Archive(ctx context.Context, buildID int64, contents []byte) error {
	key := fmt.Sprintf("%d.log", buildID)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(contents),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("fileserver: archive build %d: %w", buildID, err)
	}
	return nil
}
