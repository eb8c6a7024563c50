package aws

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const parquetContentType = "application/vnd.apache.parquet"

// Mirror uploads snapshot files to a bucket, keeping the partition layout
// below Prefix.
type Mirror struct {
	Log    *zap.Logger
	Client S3API
	Bucket string
	Prefix string
}

// Key returns the object key for a snapshot whose path relative to the raw
// base directory is rel.
func (m Mirror) Key(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
	return path.Join(m.Prefix, rel)
}

// Upload copies the file at localPath to Key(rel).
func (m Mirror) Upload(ctx context.Context, localPath, rel string) (string, error) {
	if m.Client == nil {
		return "", Error.New("s3 client is nil")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	key := m.Key(rel)
	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      awssdk.String(m.Bucket),
		Key:         awssdk.String(key),
		Body:        f,
		ContentType: awssdk.String(parquetContentType),
	})
	if err != nil {
		return "", Error.New("put s3://%s/%s: %v", m.Bucket, key, err)
	}
	if m.Log != nil {
		m.Log.Info("snapshot mirrored",
			zap.String("bucket", m.Bucket),
			zap.String("key", key))
	}
	return key, nil
}
