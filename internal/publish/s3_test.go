package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	putFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	calls   int
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.calls++
	return m.putFunc(ctx, params, optFns...)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPublishUploadsFile(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantKey string
	}{
		{name: "with prefix", prefix: "/mosaics/cosmos/", wantKey: "mosaics/cosmos/mosaic-1234.tif"},
		{name: "no prefix", prefix: "", wantKey: "mosaic-1234.tif"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := writeFile(t, "mosaic-1234.tif", "pixels")
			mock := &mockS3{putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				assert.Equal(t, "survey", aws.ToString(params.Bucket))
				assert.Equal(t, tt.wantKey, aws.ToString(params.Key))
				assert.Equal(t, "image/tiff", aws.ToString(params.ContentType))
				assert.Equal(t, int64(6), aws.ToInt64(params.ContentLength))
				body, err := io.ReadAll(params.Body)
				require.NoError(t, err)
				assert.Equal(t, "pixels", string(body))
				return &s3.PutObjectOutput{ETag: aws.String("etag")}, nil
			}}

			p, err := NewS3Publisher(mock, "survey", tt.prefix)
			require.NoError(t, err)
			uri, err := p.Publish(context.Background(), local, "mosaic-1234.tif")
			require.NoError(t, err)
			assert.Equal(t, "s3://survey/"+tt.wantKey, uri)
			assert.Equal(t, 1, mock.calls)
		})
	}
}

func TestPublishErrors(t *testing.T) {
	mock := &mockS3{putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return nil, errors.New("access denied")
	}}
	p, err := NewS3Publisher(mock, "survey", "")
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.tif"), "missing.tif")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, mock.calls)

	_, err = p.Publish(context.Background(), writeFile(t, "m.tif", "x"), "m.tif")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://survey/m.tif")
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3PublisherValidation(t *testing.T) {
	_, err := NewS3Publisher(nil, "b", "")
	assert.Error(t, err)
	_, err = NewS3Publisher(&mockS3{}, "", "")
	assert.Error(t, err)
	assert.Equal(t, "application/octet-stream", contentType("plan.bin"))
	assert.Equal(t, "application/json", contentType("plan.json"))
}
