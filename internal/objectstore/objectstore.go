// Package objectstore is the object-store client: Get on the code
// bucket, Put on the user-data bucket, backed by Amazon S3.
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store is the narrow contract the stager and binder depend on.
type Store interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
}

// S3Store implements Store against Amazon S3.
type S3Store struct {
	api *s3.Client
}

func NewS3Store(api *s3.Client) *S3Store {
	return &S3Store{api: api}
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, err
		}
		return nil, 0, err
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

var _ Store = (*S3Store)(nil)
