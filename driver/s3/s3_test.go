package s3_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/agentdbtest"
	agents3 "github.com/nuln/agentdb/driver/s3"
)

// fakeS3 is an in-memory bucket with S3's listing semantics.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	lists   int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	start := aws.ToString(in.StartAfter)
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = tok
	}
	var names []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > start {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	max := int(aws.ToInt32(in.MaxKeys))
	if max > 0 && len(names) > max {
		names = names[:max]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(names[max-1])
	}
	for _, n := range names {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(n)})
	}
	return out, nil
}

func TestS3Engine_Fake(t *testing.T) {
	db, err := agentdb.New(agents3.New(newFakeS3(), "bucket", agents3.DefaultPrefix), agentdb.WithName("s3"))
	require.NoError(t, err)
	agentdbtest.StorageTestSuite(t, db)
}

func TestS3Engine_ObjectNames(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	db, err := agentdb.New(agents3.New(fake, "bucket", "tenant-a/"))
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, "user:1", agentdb.Text("Alice")))
	_, ok := fake.objects["tenant-a/user:1"]
	assert.True(t, ok, "objects = %v", fake.objects)

	assert.Equal(t, 1024-len("tenant-a/"), db.Capabilities().MaxKeySize())

	err = db.Put(ctx, "bad\xff", agentdb.Null())
	assert.ErrorIs(t, err, agentdb.ErrInvalidArgument)
}

func TestS3Engine_ScanStopsListingAtLimit(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	engine := agents3.New(fake, "bucket", "")
	for i := 0; i < 2500; i++ {
		key := fmt.Sprintf("k%05d", i)
		fake.objects[key] = mustEncode(t, agentdb.Int(int64(i)))
	}

	res, err := engine.Scan(ctx, "k", agentdb.ScanOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, "k00009", res.Next)
	assert.Equal(t, 1, fake.lists, "listed more pages than needed")

	res, err = engine.Scan(ctx, "k", agentdb.ScanOptions{After: "k02495"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k02496", "k02497", "k02498", "k02499"}, res.Keys())
}

func TestS3Engine_NoTransactions(t *testing.T) {
	db, err := agentdb.New(agents3.New(newFakeS3(), "bucket", ""))
	require.NoError(t, err)
	_, err = db.BeginTransaction(context.Background())
	assert.True(t, errors.Is(err, agentdb.ErrUnsupported), "err = %v", err)
}

// TestS3Engine_Live runs against a real endpoint, e.g. MinIO:
//
//	AGENTDB_TEST_S3_ENDPOINT=http://127.0.0.1:9000 AGENTDB_TEST_S3_BUCKET=agentdb-test
//	AGENTDB_TEST_S3_ACCESS_KEY=minioadmin AGENTDB_TEST_S3_SECRET_KEY=minioadmin
func TestS3Engine_Live(t *testing.T) {
	endpoint := os.Getenv("AGENTDB_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("AGENTDB_TEST_S3_ENDPOINT not set")
	}
	db, err := agentdb.Open(&agentdb.Config{
		Type: "s3",
		DSN:  endpoint,
		Options: map[string]any{
			"bucket":        os.Getenv("AGENTDB_TEST_S3_BUCKET"),
			"access_key":    os.Getenv("AGENTDB_TEST_S3_ACCESS_KEY"),
			"secret_key":    os.Getenv("AGENTDB_TEST_S3_SECRET_KEY"),
			"create_bucket": true,
		},
	})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	agentdbtest.StorageTestSuite(t, db)
}

func mustEncode(t *testing.T, v agentdb.Value) []byte {
	t.Helper()
	b, err := v.MarshalBinary()
	require.NoError(t, err)
	return b
}
