package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Config configures S3Storage.
type S3Config struct {
	Region string
	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string
	// UsePathStyle is required by MinIO and most local S3 emulators.
	UsePathStyle    bool
	MultipartConfig MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
	}
}

// S3Storage archives segments to an S3 bucket. Segments at or below the part
// size go up in one PutObject; larger ones as a multipart upload whose parts
// are sent concurrently.
type S3Storage struct {
	client     S3API
	bucket     string
	multipart  MultipartUploadConfig
	maxRetries uint64
}

var _ ObjectStorage = (*S3Storage)(nil)

// NewS3Storage creates S3 storage using the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates S3 storage over an existing client.
func NewS3StorageWithClient(client S3API, bucket string, cfg S3Config) *S3Storage {
	mp := cfg.MultipartConfig
	def := DefaultMultipartConfig()
	if mp.PartSize <= 0 {
		mp.PartSize = def.PartSize
	}
	if mp.Concurrency <= 0 {
		mp.Concurrency = def.Concurrency
	}
	return &S3Storage{client: client, bucket: bucket, multipart: mp, maxRetries: 3}
}

// Upload stores the file at localPath under objectPath and returns its ETag.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	var etag string
	if info.Size() <= s.multipart.PartSize {
		etag, err = s.putObject(ctx, f, info.Size(), objectPath)
	} else {
		etag, err = s.putMultipart(ctx, f, info.Size(), objectPath)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return etag, nil
}

func (s *S3Storage) putObject(ctx context.Context, f io.ReaderAt, size int64, key string) (string, error) {
	var etag string
	err := s.retry(ctx, func() error {
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          io.NewSectionReader(f, 0, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

// putMultipart retries each part on its own; any part that still fails aborts
// the whole upload so no orphaned parts are billed.
func (s *S3Storage) putMultipart(ctx context.Context, f io.ReaderAt, size int64, key string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	partSize := s.multipart.PartSize
	count := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.multipart.Concurrency)
	for i := 0; i < count; i++ {
		i := i
		offset := int64(i) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		g.Go(func() error {
			number := aws.Int32(int32(i + 1))
			return s.retry(gctx, func() error {
				out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucket),
					Key:           aws.String(key),
					UploadId:      uploadID,
					PartNumber:    number,
					Body:          io.NewSectionReader(f, offset, length),
					ContentLength: aws.Int64(length),
				})
				if err != nil {
					return err
				}
				parts[i] = types.CompletedPart{ETag: out.ETag, PartNumber: number}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(key, uploadID)
		return "", err
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(key, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// abort runs on a fresh context so a cancelled upload is still cleaned up.
func (s *S3Storage) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// Exists reports whether objectPath is stored. A missing object is not an
// error.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	found := false
	err := s.retry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		var notFound *types.NotFound
		switch {
		case err == nil:
			found = true
		case errors.As(err, &notFound):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// ListObjects pages through every key under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListFailed, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
}
