package origin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Backend = (*s3Backend)(nil)

// S3Option configures the S3 backend.
type S3Option func(*s3Backend)

// WithPrefix places all blobs under the given key prefix inside the bucket.
func WithPrefix(prefix string) S3Option {
	return func(b *s3Backend) { b.prefix = prefix }
}

// NewS3 returns a Backend storing blobs in an S3 bucket. The caller owns the
// s3.Client lifecycle.
func NewS3(client *s3.Client, bucket string, opts ...S3Option) Backend {
	b := &s3Backend{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// S3ClientConfig carries the settings needed to build an s3.Client without
// ambient environment configuration.
type S3ClientConfig struct {
	Region       string
	Endpoint     string // optional, for S3-compatible stores
	AccessKey    string // optional, default credential chain when empty
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds an s3.Client from explicit configuration, falling back
// to the default AWS credential chain when no static keys are given.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func (b *s3Backend) key(collection string, version int64) string {
	return path.Join(b.prefix, collection, fmt.Sprintf("v%012d%s", version, blobSuffix))
}

func (b *s3Backend) collectionPrefix(collection string) string {
	return path.Join(b.prefix, collection) + "/"
}

// Put claims the next version with a conditional write. When a concurrent
// writer claims the same number first, S3 answers 412 and we re-list.
func (b *s3Backend) Put(ctx context.Context, collection string, payload []byte) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(ErrUnavailable, err.Error())
		}
		var next int64 = 1
		latest, err := b.Latest(ctx, collection)
		if err == nil {
			next = latest + 1
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}

		err = b.PutVersion(ctx, collection, next, payload)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
	}
}

func (b *s3Backend) PutVersion(ctx context.Context, collection string, version int64, payload []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(collection, version)),
		Body:        bytes.NewReader(payload),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return errors.Wrapf(ErrVersionConflict, "collection %q version %d", collection, version)
	}
	return errors.Wrapf(ErrUnavailable, "put %s v%d: %v", collection, version, err)
}

func (b *s3Backend) Get(ctx context.Context, collection string, version int64) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(collection, version)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, errors.Wrapf(ErrNotFound, "collection %q version %d", collection, version)
		}
		return nil, errors.Wrapf(ErrUnavailable, "get %s v%d: %v", collection, version, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "read %s v%d: %v", collection, version, err)
	}
	return data, nil
}

func (b *s3Backend) Latest(ctx context.Context, collection string) (int64, error) {
	versions, err := b.ListVersions(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	return versions[len(versions)-1], nil
}

func (b *s3Backend) ListVersions(ctx context.Context, collection string) ([]int64, error) {
	var versions []int64
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.collectionPrefix(collection)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "list %s: %v", collection, err)
		}
		for _, obj := range page.Contents {
			if v, ok := parseVersionFilename(path.Base(aws.ToString(obj.Key))); ok {
				versions = append(versions, v)
			}
		}
	}
	if len(versions) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}
