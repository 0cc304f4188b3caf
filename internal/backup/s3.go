package backup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/datakit/internal/config"
	"github.com/roach88/datakit/internal/store"
)

// Uploader is the subset of *s3.Client used for uploads.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg. Region defaults to us-east-1.
// A custom endpoint (MinIO and similar) usually needs PathStyle.
func NewS3Client(ctx context.Context, cfg config.S3, optFns ...func(*s3.Options)) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
	return client, nil
}

// ToS3 exports coord and uploads the snapshot to bucket. An empty key uses
// DefaultKey with no prefix.
func ToS3(ctx context.Context, coord *store.Coordinator, up Uploader, bucket, key string) (Result, error) {
	if bucket == "" {
		return Result{}, fmt.Errorf("backup: s3 bucket required")
	}
	snap, err := coord.Export(ctx)
	if err != nil {
		return Result{}, err
	}
	now := time.Now()
	if key == "" {
		key = DefaultKey("", snap, now)
	}
	data, err := Encode(snap, now)
	if err != nil {
		return Result{}, err
	}
	_, err = up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"datakit-format": Format,
			"datakit-seq":    fmt.Sprintf("%d", snap.Seq),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("backup: upload s3://%s/%s: %w", bucket, key, err)
	}
	return Result{Records: snap.Count(), Seq: snap.Seq, Bytes: len(data), Bucket: bucket, Key: key}, nil
}
