package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// S3Service archives task data to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

func NewS3Service(client *s3.Client) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}
}

// S3Options selects the bucket endpoint. Endpoint switches to path style
// addressing for S3 compatible servers.
type S3Options struct {
	Region   string
	Endpoint string
	Profile  string
}

// NewS3ServiceFromConfig loads the default AWS credential chain.
func NewS3ServiceFromConfig(ctx context.Context, opts S3Options) (*S3Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(opts.Region),
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(opts.Profile))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Service(client), nil
}

type uploadFile struct {
	path string
	rel  string
	size int64
}

func collectFiles(root string) ([]uploadFile, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}
	if !fi.IsDir() {
		return []uploadFile{{path: root, rel: filepath.Base(root), size: fi.Size()}}, nil
	}
	var files []uploadFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		files = append(files, uploadFile{path: path, rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	return files, err
}

// uploadWorkers bounds concurrent object uploads of one directory.
const uploadWorkers = 4

func (s *S3Service) UploadPath(ctx context.Context, localPath string, opts UploadOptions) (string, error) {
	if opts.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}
	keyPrefix := strings.Trim(opts.KeyPrefix, "/")
	if keyPrefix == "" {
		return "", fmt.Errorf("storage key prefix is required")
	}

	files, err := collectFiles(filepath.Clean(localPath))
	if err != nil {
		return "", err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	progress := newUploadProgress(total, opts.ProgressCallback)
	progress.fire()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for _, f := range files {
		g.Go(func() error {
			return s.uploadOne(gctx, opts.Bucket, keyPrefix+"/"+f.rel, f.path, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	progress.fire()
	return "s3://" + opts.Bucket + "/" + keyPrefix, nil
}

func (s *S3Service) uploadOne(ctx context.Context, bucket, key, path string, progress *uploadProgress) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file %s: %w", path, err)
	}
	defer f.Close()

	var body io.Reader = f
	if progress != nil {
		body = io.TeeReader(f, progress)
	}
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
		ACL:    types.ObjectCannedACLPrivate,
	}); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (s *S3Service) PresignURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// eachPage walks every ListObjectsV2 page below prefix.
func (s *S3Service) eachPage(ctx context.Context, bucket, prefix string, fn func([]types.Object) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if err := fn(page.Contents); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	var objects []ObjectInfo
	err := s.eachPage(ctx, bucket, strings.TrimSpace(prefix), func(contents []types.Object) error {
		for _, obj := range contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
		return nil
	})
	return objects, err
}

// DeletePrefix removes every object below prefix, one DeleteObjects call per
// listed page. An empty prefix is refused so a bucket is never wiped.
func (s *S3Service) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	return s.eachPage(ctx, bucket, prefix, func(contents []types.Object) error {
		if len(contents) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, len(contents))
		for i, obj := range contents {
			ids[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s (%d keys failed)", aws.ToString(first.Key), aws.ToString(first.Message), len(out.Errors))
		}
		return nil
	})
}

var _ Service = (*S3Service)(nil)

// uploadProgress aggregates the bytes read by concurrent uploads and calls
// back at most every progressInterval, plus once at each end.
type uploadProgress struct {
	total int64
	done  atomic.Int64
	cb    func(done, total int64)

	mu       sync.Mutex
	lastFire time.Time
}

const progressInterval = 200 * time.Millisecond

func newUploadProgress(total int64, cb func(done, total int64)) *uploadProgress {
	if cb == nil {
		return nil
	}
	return &uploadProgress{total: total, cb: cb}
}

func (p *uploadProgress) Write(b []byte) (int, error) {
	done := p.done.Add(int64(len(b)))
	p.mu.Lock()
	defer p.mu.Unlock()
	if now := time.Now(); now.Sub(p.lastFire) >= progressInterval || done == p.total {
		p.lastFire = now
		p.cb(done, p.total)
	}
	return len(b), nil
}

// fire reports the current count unconditionally. It is a no-op on a nil receiver.
func (p *uploadProgress) fire() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFire = time.Now()
	p.cb(p.done.Load(), p.total)
}
