// Package s3 stores watermarks as one JSON object per resource in an S3
// bucket (or any S3-compatible store).
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is a state.Store backed by S3 objects under bucket/prefix.
type Store struct {
	client API
	bucket string
	prefix string
}

// New returns a Store using client.
func New(client API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, resource string) (string, bool, error) {
	key := state.ObjectKey(s.prefix, resource)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if stderrors.As(err, &missing) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "get watermark object").
			WithDetail("bucket", s.bucket).WithDetail("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "read watermark object").WithDetail("key", key)
	}
	var entry state.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "decode watermark object").WithDetail("key", key)
	}
	return entry.Watermark, true, nil
}

// Set implements state.Store.
func (s *Store) Set(ctx context.Context, resource string, end int64) error {
	key := state.ObjectKey(s.prefix, resource)
	data, err := json.Marshal(state.Entry{
		Resource:  resource,
		Watermark: state.FormatWatermark(end),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "encode watermark object")
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "put watermark object").
			WithDetail("bucket", s.bucket).WithDetail("key", key)
	}
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error { return nil }

func init() {
	_ = state.Register("s3", func(ctx context.Context, cfg state.Config) (state.Store, error) {
		if cfg.Bucket == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "s3 state backend requires state.bucket")
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load AWS configuration")
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return New(client, cfg.Bucket, cfg.Prefix), nil
	})
}
