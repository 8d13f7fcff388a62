package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/netlab/vimport/pkg/errors"
)

// Options configures the S3 client.
type Options struct {
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string
	// Anonymous disables credential lookup for public buckets.
	Anonymous bool
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for one bucket
func NewClient(ctx context.Context, bucket string, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", opts.Region, "endpoint", opts.Endpoint)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", bucket)

	return &Client{
		s3Client: s3Client,
		bucket:   bucket,
	}, nil
}

// ParseURI splits an s3://bucket/key URI. ok is false for anything else.
func ParseURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// ObjectSource streams an S3 object chunk by chunk using ranged reads, so an
// artifact is never held in memory or on local disk.
type ObjectSource struct {
	client *Client
	key    string
	size   int64
}

// OpenSource resolves an object's size and returns a chunk source for it.
func (c *Client) OpenSource(ctx context.Context, s3Key string) (*ObjectSource, error) {
	size, err := c.Size(ctx, s3Key)
	if err != nil {
		return nil, err
	}
	return &ObjectSource{client: c, key: s3Key, size: size}, nil
}

// Name returns the object's base name, used as the upload filename.
func (o *ObjectSource) Name() string {
	return path.Base(o.key)
}

// Size returns the object size in bytes.
func (o *ObjectSource) Size() int64 {
	return o.size
}

// OpenChunk returns a reader over [offset, offset+length) of the object.
func (o *ObjectSource) OpenChunk(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	result, err := o.client.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.client.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		slog.Error("s3_get_range_failed", "s3_key", o.key, "range", rng, "error", err)
		return nil, errors.Wrap(err, "failed to read object range from S3")
	}
	return result.Body, nil
}

// Close is a no-op; every chunk read closes its own response body.
func (o *ObjectSource) Close() error {
	return nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(objects))

	return objects, nil
}

// Size returns the size of an object in bytes
func (c *Client) Size(ctx context.Context, s3Key string) (int64, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return 0, errors.Wrap(err, "failed to stat object")
	}

	size := aws.ToInt64(out.ContentLength)
	slog.Info("s3_object_stat", "s3_key", s3Key, "size_mb", size/1024/1024)
	return size, nil
}
