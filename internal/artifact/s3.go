package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
)

// S3Store keeps artifacts in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed store from config, honoring a custom
// endpoint for S3-compatible services.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3Path
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
	})
	return &S3Store{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return 0, fault.Wrap(fault.KindIO, fmt.Errorf("put s3 object %s: %w", key, err))
	}
	info, err := s.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fault.NotFound("artifact %q", key)
		}
		return nil, 0, fault.Wrap(fault.KindIO, fmt.Errorf("get s3 object %s: %w", key, err))
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Info{}, fault.NotFound("artifact %q", key)
		}
		return Info{}, fault.Wrap(fault.KindIO, fmt.Errorf("head s3 object %s: %w", key, err))
	}
	return Info{Key: key, Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Info, error) {
	var infos []Info
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindIO, fmt.Errorf("list s3 prefix %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			infos = append(infos, Info{
				Key:     aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fault.Wrap(fault.KindIO, fmt.Errorf("delete s3 object %s: %w", key, err))
	}
	return nil
}
