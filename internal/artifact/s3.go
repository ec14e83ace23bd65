package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kiranshivaraju/podcleaner/internal/config"
)

// NewS3Client builds a client for AWS or an S3-compatible endpoint such as MinIO.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// LinkTTL is how long a presigned download link stays valid.
const LinkTTL = 15 * time.Minute

// S3Resolver checks references with HeadObject and hands out presigned
// GET links for them.
type S3Resolver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var _ Resolver = (*S3Resolver)(nil)

// NewS3Resolver resolves bare keys against defaultBucket.
func NewS3Resolver(client *s3.Client, defaultBucket string) *S3Resolver {
	return &S3Resolver{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  defaultBucket,
	}
}

// Exists returns false for malformed references and missing objects.
func (r *S3Resolver) Exists(ctx context.Context, ref string) (bool, error) {
	bucket, key, err := ParseRef(ref, r.bucket)
	if err != nil {
		return false, nil
	}
	_, err = r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s/%s: %w", bucket, key, err)
}

// Locate presigns a GET for ref valid for LinkTTL. No request is made.
func (r *S3Resolver) Locate(ctx context.Context, ref string) (string, error) {
	bucket, key, err := ParseRef(ref, r.bucket)
	if err != nil {
		return "", err
	}
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(LinkTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		return status.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
