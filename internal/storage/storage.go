package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Service archives completed downloads to remote object storage.
type Service interface {
	// UploadPath uploads a file, or every file below a directory, and
	// returns the s3:// location of the prefix.
	UploadPath(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	PresignURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// SplitLocation returns the key prefix of an s3:// location in bucket.
func SplitLocation(location, bucket string) (string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", fmt.Errorf("invalid s3 location %q", location)
	}
	b, prefix, _ := strings.Cut(rest, "/")
	if b == "" {
		return "", fmt.Errorf("invalid s3 location %q", location)
	}
	if bucket != "" && b != bucket {
		return "", fmt.Errorf("s3 bucket mismatch: %s", b)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "", fmt.Errorf("s3 prefix missing in %q", location)
	}
	return prefix, nil
}
