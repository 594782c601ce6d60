// Package s3 provides an agentdb driver on Amazon S3 or any S3-compatible
// object store (MinIO, R2, ...), one object per key.
//
// Keys map to object names verbatim under a configurable prefix, so S3's
// own lexicographic listing serves prefix scans and pagination. Keys must be
// valid UTF-8 because S3 object names are.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/nuln/agentdb"
)

// Auto-register s3 storage driver.
func init() {
	agentdb.Register("s3", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		c := Config{
			Bucket:          cfg.String("bucket", cfg.BasePath),
			Prefix:          cfg.String("prefix", DefaultPrefix),
			HostEndpointURL: cfg.String("endpoint", cfg.DSN),
			Region:          cfg.String("region", "us-east-1"),
			AccessKey:       cfg.String("access_key", ""),
			SecretKey:       cfg.String("secret_key", ""),
			CreateBucket:    cfg.Bool("create_bucket", false),
		}
		return Open(context.Background(), c)
	})
}

const (
	// DefaultPrefix is prepended to every object name.
	DefaultPrefix = "agentdb/"

	maxObjectKey = 1024
	// A single PutObject accepts up to 5 GiB.
	maxValueSize = 5 << 30
	// Values above this size go through the multipart uploader.
	largeObjectMinSize = 10 * 1024 * 1024

	listPageSize = 1000
	fetchWorkers = 8
)

// Config describes the bucket to use.
type Config struct {
	Bucket string
	Prefix string
	// "http://127.0.0.1:9000"; empty uses AWS.
	HostEndpointURL string
	Region          string
	AccessKey       string
	SecretKey       string
	// CreateBucket creates Bucket on Open when it does not exist.
	CreateBucket bool
}

// API is the subset of *s3.Client the driver calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Engine implements agentdb.Driver on an S3 bucket.
type Engine struct {
	api    API
	upload uploader
	bucket string
	prefix string
	maxKey int
	logger *slog.Logger
}

// Connect builds an S3 client for cfg. Credentials fall back to nothing when
// AccessKey is empty, which suits anonymous endpoints only.
func Connect(cfg Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.HostEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
}

// Open connects to the bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("agentdb/s3: bucket is required")
	}
	client := Connect(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("agentdb/s3: bucket %q: %w", cfg.Bucket, err)
		}
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			return nil, fmt.Errorf("agentdb/s3: create bucket %q: %w", cfg.Bucket, err)
		}
	}
	e := New(client, cfg.Bucket, cfg.Prefix)
	e.upload = manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = largeObjectMinSize
	})
	e.logger.Info("s3 bucket opened",
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
		slog.String("endpoint", cfg.HostEndpointURL))
	return e, nil
}

// New wraps an existing client. Large values are sent with a single
// PutObject unless the engine came from Open.
func New(api API, bucket, prefix string) *Engine {
	return &Engine{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		maxKey: maxObjectKey - len(prefix),
		logger: slog.Default(),
	}
}

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithFeature(agentdb.FeatureNativePrefixScan, true),
		agentdb.WithMaxKeySize(e.maxKey),
		agentdb.WithMaxValueSize(maxValueSize),
	)
}

// objectKey maps key to its object name.
func (e *Engine) objectKey(op, key string) (string, error) {
	if !utf8.ValidString(key) {
		return "", agentdb.InvalidArgument(op, "key is not valid UTF-8")
	}
	return e.prefix + key, nil
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	name, err := e.objectKey("put", key)
	if err != nil {
		return err
	}
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}
	if e.upload != nil && len(data) > largeObjectMinSize {
		_, err = e.upload.Upload(ctx, in)
		return err
	}
	_, err = e.api.PutObject(ctx, in)
	return err
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	name, err := e.objectKey("get", key)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return e.fetch(ctx, name)
}

func (e *Engine) fetch(ctx context.Context, name string) (agentdb.Value, bool, error) {
	out, err := e.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(name),
	})
	if isNotFound(err) {
		return agentdb.Value{}, false, nil
	}
	if err != nil {
		return agentdb.Value{}, false, err
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	v, err := agentdb.DecodeValue(data)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return v, true, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	name, err := e.objectKey("delete", key)
	if err != nil {
		return err
	}
	_, err = e.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(name),
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	name, err := e.objectKey("exists", key)
	if err != nil {
		return false, err
	}
	_, err = e.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(name),
	})
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Scan lists names under the prefix in S3 order, which is byte order for
// UTF-8 names, then fetches the page's values concurrently.
func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	if !utf8.ValidString(prefix) {
		// No stored key can start with an invalid sequence.
		return agentdb.Paginate(nil, opts.Limit), nil
	}
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(e.prefix + prefix),
	}
	if opts.After != "" && opts.After >= prefix {
		in.StartAfter = aws.String(e.prefix + opts.After)
	}

	var keys []string
	for {
		in.MaxKeys = aws.Int32(listPageSize)
		out, err := e.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), e.prefix)
			if opts.Match(prefix, key) {
				keys = append(keys, key)
			}
		}
		if opts.Limit > 0 && len(keys) > opts.Limit {
			break
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}

	entries := make([]agentdb.Entry, len(keys))
	for i, k := range keys {
		entries[i].Key = k
	}
	res := agentdb.Paginate(entries, opts.Limit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	found := make([]bool, len(res.Entries))
	for i := range res.Entries {
		g.Go(func() error {
			v, ok, err := e.fetch(gctx, e.prefix+res.Entries[i].Key)
			if err != nil {
				return fmt.Errorf("agentdb/s3: fetch %q: %w", res.Entries[i].Key, err)
			}
			res.Entries[i].Value, found[i] = v, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Drop objects deleted between listing and fetching.
	kept := res.Entries[:0]
	for i, entry := range res.Entries {
		if found[i] {
			kept = append(kept, entry)
		}
	}
	res.Entries = kept
	return res, nil
}

func (e *Engine) Close() error { return nil }

// Helpers

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

// Compile-time interface checks.
var (
	_ agentdb.Driver  = (*Engine)(nil)
	_ agentdb.Exister = (*Engine)(nil)
	_ API             = (*s3.Client)(nil)
)
