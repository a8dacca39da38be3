package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

// S3API is the subset of the S3 client used by S3BinaryStore.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3BinaryStore keeps binary content as objects below a key prefix.
type S3BinaryStore struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	breaker  *CircuitBreaker
}

var _ nodes.BinaryStore = (*S3BinaryStore)(nil)

func NewS3BinaryStore(client S3API, bucket, prefix string) *S3BinaryStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3BinaryStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		breaker:  NewCircuitBreaker(5, 30*time.Second, 15*time.Second),
	}
}

func (b *S3BinaryStore) objectKey(key string) string {
	return b.prefix + key
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// IsBucketOwned reports a CreateBucket failure for a bucket that already exists.
func IsBucketOwned(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists"
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (b *S3BinaryStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	body := &countingReader{r: r}
	err := b.breaker.Do(func() error {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
			Body:   body,
		})
		return err
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return body.n, nil
}

func (b *S3BinaryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := b.breaker.Do(func() error {
		var err error
		out, err = b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		return err
	}, isNoSuchKey)
	if isNoSuchKey(err) {
		return nil, binaryNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3BinaryStore) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.breaker.RecordFailure()
			return fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			err := b.breaker.Do(func() error {
				_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(b.bucket),
					Key:    obj.Key,
				})
				return err
			}, isNoSuchKey)
			if err != nil && !isNoSuchKey(err) {
				return fmt.Errorf("s3 delete %s: %w", aws.ToString(obj.Key), err)
			}
			deleted++
		}
	}
	zap.S().Debugw("deleted binary objects", "bucket", b.bucket, "prefix", prefix, "count", deleted)
	return nil
}

// Ping checks that the bucket is reachable.
func (b *S3BinaryStore) Ping(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s: %w", b.bucket, err)
	}
	return nil
}
