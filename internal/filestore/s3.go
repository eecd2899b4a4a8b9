package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store lists drop files in a bucket and downloads them into a cache
// directory so DuckDB can read them.
type S3Store struct {
	client   S3API
	cacheDir string
}

// S3Options configures NewS3Store.
type S3Options struct {
	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	CacheDir string
}

// NewS3Store creates a store for an S3-compatible endpoint using
// path-style addressing.
func NewS3Store(opts S3Options) *S3Store {
	endpoint := opts.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	client := s3.New(s3.Options{
		Region:       opts.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, ""),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})
	return NewS3StoreWithClient(client, opts.CacheDir)
}

// NewS3StoreWithClient creates a store around an existing client.
func NewS3StoreWithClient(client S3API, cacheDir string) *S3Store {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "apdn7-drops")
	}
	return &S3Store{client: client, cacheDir: cacheDir}
}

// ParseS3Path splits "s3://bucket/key" into bucket and key.
func ParseS3Path(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %q", path)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", path)
	}
	return bucket, key, nil
}

// List pages through every object under the directory prefix.
func (s *S3Store) List(ctx context.Context, dir string) ([]FileInfo, error) {
	bucket, prefix, err := ParseS3Path(dir)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var files []FileInfo
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !IsDropFile(key) {
				continue
			}
			fi := FileInfo{Path: "s3://" + bucket + "/" + key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				fi.ModTime = *obj.LastModified
			}
			files = append(files, fi)
		}
	}
	sortFiles(files)
	return files, nil
}

// Local downloads the object unless an identical copy is already cached.
func (s *S3Store) Local(ctx context.Context, path string) (string, error) {
	bucket, key, err := ParseS3Path(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(path))
	local := filepath.Join(s.cacheDir, hex.EncodeToString(sum[:8])+"_"+filepath.Base(key))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", path, err)
	}
	defer out.Body.Close() //nolint:errcheck

	if err := os.MkdirAll(s.cacheDir, 0o750); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return local, nil
}
