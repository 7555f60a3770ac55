package archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]map[int32][]byte
	putFails  int
	partFails int
	parts     int
	listLimit int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, uploads: map[string]map[int32][]byte{}, listLimit: 1}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putFails > 0 {
		f.putFails--
		return nil, errors.New("transient")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(b))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		fmt.Sscanf(aws.ToString(in.ContinuationToken), "%d", &start)
	}
	end := start + int(f.listLimit)
	out := &s3.ListObjectsV2Output{}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", end))
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partFails > 0 {
		f.partFails--
		return nil, errors.New("slow down")
	}
	f.parts++
	f.uploads[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = b
	return &s3.UploadPartOutput{ETag: aws.String(etagOf(b))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.uploads[aws.ToString(in.UploadId)]
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(parts[aws.ToInt32(p.PartNumber)])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(fmt.Sprintf("%s-%d", etagOf(buf.Bytes()), len(in.MultipartUpload.Parts)))}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func writeTemp(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789"), size/10+1)[:size]
	p := filepath.Join(t.TempDir(), "seg.log")
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p, data
}

func TestS3Storage_SinglePutWithRetry(t *testing.T) {
	fake := newFakeS3()
	fake.putFails = 2
	st := NewS3StorageWithClient(fake, "bucket", S3Config{})
	p, data := writeTemp(t, 100)

	etag, err := st.Upload(context.Background(), p, "segments/a.log")
	require.NoError(t, err)
	assert.Equal(t, etagOf(data), etag)
	assert.Equal(t, data, fake.objects["segments/a.log"])
}

func TestS3Storage_MultipartUpload(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StorageWithClient(fake, "bucket", S3Config{MultipartConfig: MultipartUploadConfig{PartSize: 64}})
	p, data := writeTemp(t, 200)

	etag, err := st.Upload(context.Background(), p, "segments/big.log")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(etag, "-4"))
	assert.Equal(t, 4, fake.parts)
	assert.Equal(t, data, fake.objects["segments/big.log"])
	assert.Empty(t, fake.uploads)
}

func TestS3Storage_MultipartAbortsOnFailedPart(t *testing.T) {
	fake := newFakeS3()
	fake.partFails = 100
	st := NewS3StorageWithClient(fake, "bucket", S3Config{MultipartConfig: MultipartUploadConfig{PartSize: 64, Concurrency: 2}})
	p, _ := writeTemp(t, 200)

	_, err := st.Upload(context.Background(), p, "segments/big.log")
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Empty(t, fake.uploads)
	assert.NotContains(t, fake.objects, "segments/big.log")
}

func TestS3Storage_UploadGivesUp(t *testing.T) {
	fake := newFakeS3()
	fake.putFails = 100
	st := NewS3StorageWithClient(fake, "bucket", S3Config{})
	p, _ := writeTemp(t, 10)
	_, err := st.Upload(context.Background(), p, "x")
	assert.ErrorIs(t, err, ErrUploadFailed)
}

func TestS3Storage_ExistsAndList(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	st := NewS3StorageWithClient(fake, "bucket", S3Config{})
	p, _ := writeTemp(t, 10)

	ok, err := st.Exists(ctx, "segments/shard-0000/a")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, k := range []string{"segments/shard-0000/a", "segments/shard-0001/b", "other/c"} {
		_, err := st.Upload(ctx, p, k)
		require.NoError(t, err)
	}
	ok, err = st.Exists(ctx, "segments/shard-0000/a")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := st.ListObjects(ctx, "segments/")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments/shard-0000/a", "segments/shard-0001/b"}, keys)
}
