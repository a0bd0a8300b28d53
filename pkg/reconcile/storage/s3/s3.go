package s3

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

const (
	metaDeleted = "deleted"
	storeName   = "s3"
)

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix for every blob
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)
	PageSize        int32  // Keys per ListObjectsV2 page (default: 1000)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// Backend is an S3-compatible implementation of the reconcile.BlobStore interface.
// Blob properties travel as S3 user metadata.
type Backend struct {
	client *s3.Client
	bucket string
	config Config
}

// New creates a new S3-compatible storage backend
func New(config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.PageSize <= 0 {
		config.PageSize = 1000
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	backend := &Backend{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: config.Bucket,
		config: config,
	}
	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return backend, nil
}

func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if b.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (b *Backend) key(id reconcile.BlobID) string {
	return b.config.Prefix + string(id)
}

// ListBlobIDs pages through the bucket with ListObjectsV2, which returns keys
// in ascending UTF-8 byte order.
func (b *Backend) ListBlobIDs(ctx context.Context, after reconcile.BlobID) iter.Seq2[reconcile.BlobID, error] {
	return func(yield func(reconcile.BlobID, error) bool) {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.bucket),
			MaxKeys: aws.Int32(b.config.PageSize),
		}
		if b.config.Prefix != "" {
			input.Prefix = aws.String(b.config.Prefix)
		}
		if after != "" {
			input.StartAfter = aws.String(b.key(after))
		}
		pages := s3.NewListObjectsV2Paginator(b.client, input)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield("", classify("list", string(after), err))
				return
			}
			for _, obj := range page.Contents {
				id := strings.TrimPrefix(aws.ToString(obj.Key), b.config.Prefix)
				if !yield(reconcile.BlobID(id), nil) {
					return
				}
			}
		}
	}
}

// Exists reports whether the object is present
func (b *Backend) Exists(ctx context.Context, id reconcile.BlobID) (bool, error) {
	_, err := b.GetAttributes(ctx, id)
	if errors.Is(err, reconcile.ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetAttributes issues a HeadObject request
func (b *Backend) GetAttributes(ctx context.Context, id reconcile.BlobID) (*reconcile.BlobAttributes, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return nil, classify("head", string(id), err)
	}

	props := maps.Clone(result.Metadata)
	if props == nil {
		props = map[string]string{}
	}
	deleted := props[metaDeleted] == "true"
	delete(props, metaDeleted)

	attrs := &reconcile.BlobAttributes{
		ID:         id,
		Size:       aws.ToInt64(result.ContentLength),
		CreatedAt:  aws.ToTime(result.LastModified).UTC(),
		Deleted:    deleted,
		Checksum:   props[reconcile.PropSHA1],
		Properties: props,
	}
	return attrs, nil
}

// Open downloads the object body
func (b *Backend) Open(ctx context.Context, id reconcile.BlobID) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return nil, classify("get", string(id), err)
	}
	return result.Body, nil
}

// Put uploads the payload with manager.Uploader
func (b *Backend) Put(ctx context.Context, id reconcile.BlobID, r io.Reader, props map[string]string) (*reconcile.BlobAttributes, error) {
	h := sha1.New()
	counter := &countingReader{r: io.TeeReader(r, h)}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.key(id)),
		Body:     counter,
		Metadata: maps.Clone(props),
	}
	if ct := props[reconcile.PropContentType]; ct != "" {
		input.ContentType = aws.String(ct)
	}
	if b.config.EnableSSE {
		switch b.config.SSEAlgorithm {
		case "AES256":
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		case "aws:kms":
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if b.config.SSEKMSKeyID != "" {
				input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
			}
		}
	}

	if _, err := manager.NewUploader(b.client).Upload(ctx, input); err != nil {
		return nil, classify("put", string(id), err)
	}
	attrs, err := b.GetAttributes(ctx, id)
	if err != nil {
		return nil, err
	}
	attrs.Size = counter.n
	attrs.Checksum = hex.EncodeToString(h.Sum(nil))
	return attrs, nil
}

// Delete removes the object. S3 deletes are idempotent, so presence is
// checked first to report ErrBlobNotFound.
func (b *Backend) Delete(ctx context.Context, id reconcile.BlobID) error {
	if _, err := b.GetAttributes(ctx, id); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return classify("delete", string(id), err)
	}
	return nil
}

// Undelete drops the deleted marker by copying the object onto itself with
// replaced metadata.
func (b *Backend) Undelete(ctx context.Context, id reconcile.BlobID) error {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return classify("head", string(id), err)
	}
	if head.Metadata[metaDeleted] != "true" {
		return nil
	}
	meta := maps.Clone(head.Metadata)
	delete(meta, metaDeleted)
	input := &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(b.key(id)),
		CopySource:        aws.String(b.bucket + "/" + b.key(id)),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	}
	if _, err := b.client.CopyObject(ctx, input); err != nil {
		return classify("undelete", string(id), err)
	}
	return nil
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

var transientCodes = map[string]bool{
	"SlowDown":             true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
}

// classify maps S3 errors onto the reconcile error taxonomy.
func classify(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return reconcile.ErrBlobNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "NoSuchKey" || code == "NotFound":
			return reconcile.ErrBlobNotFound
		case transientCodes[code]:
			return reconcile.NewTransientError(storeName, op, key, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if status := respErr.HTTPStatusCode(); status >= 500 || status == 429 {
			return reconcile.NewTransientError(storeName, op, key, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reconcile.NewTransientError(storeName, op, key, err)
	}
	return fmt.Errorf("s3 %s %s: %w", op, key, err)
}
