package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
)

// S3 stores blobs in an S3-compatible bucket. A custom endpoint plus
// path-style addressing makes the same code run against MinIO in
// development.
type S3 struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

var _ Store = (*S3)(nil)

// NewS3 builds the landing-zone client from BLOB_* settings.
func NewS3(cfg *config.Config, log *slog.Logger) (*S3, error) {
	bc := cfg.Blob

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(bc.Region),
	}
	if bc.HasStaticCredentials() {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(bc.AccessKeyID, bc.SecretAccessKey, ""),
		))
	}
	if bc.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               bc.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     bc.Region,
				}, nil
			},
		)
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = bc.ForcePathStyle
	})

	log.Info("blob store initialized",
		slog.String("bucket", bc.Bucket),
		slog.String("endpoint", bc.Endpoint),
	)

	return &S3{
		client: client,
		bucket: bc.Bucket,
		log:    log.With(logger.Scope("blob")),
	}, nil
}

func (s *S3) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		s.log.Error("failed to put blob", slog.String("key", key), logger.Error(err))
		return apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob put %s failed", key), err)
	}

	s.log.Debug("blob written", slog.String("key", key), slog.Int64("size", size))
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperror.NewNotFound("blob", key)
		}
		return nil, apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob get %s failed", key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob read %s failed", key), err)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob head %s failed", key), err)
	}
	return true, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob list %s failed", prefix), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperror.Wrap(apperror.KindTransient, fmt.Sprintf("blob delete %s failed", key), err)
	}
	return nil
}

// BytesReader wraps a byte slice as the (reader, size) pair Put wants.
func BytesReader(data []byte) (io.Reader, int64) {
	return bytes.NewReader(data), int64(len(data))
}
