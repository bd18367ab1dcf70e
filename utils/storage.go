package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnsafePath is returned for relative paths that would leave the storage root.
var ErrUnsafePath = errors.New("path escapes storage root")

// LocalStorage stores files under a static root on local disk.
// All paths it accepts are relative to Root and use forward slashes.
type LocalStorage struct {
	Root string
}

// Resolve maps a relative path to an absolute one, rejecting traversal.
func (ls *LocalStorage) Resolve(rel string) (string, error) {
	root, err := filepath.Abs(ls.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return full, nil
}

// SaveFile writes data at rel, creating parent directories.
func (ls *LocalStorage) SaveFile(rel string, data []byte) error {
	fullPath, err := ls.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	return os.WriteFile(fullPath, data, 0644)
}

// CopyFile copies the file at src to dst, both relative to Root.
func (ls *LocalStorage) CopyFile(src, dst string) error {
	srcPath, err := ls.Resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := ls.Resolve(dst)
	if err != nil {
		return err
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DeleteFile removes rel. A missing file is not an error.
func (ls *LocalStorage) DeleteFile(rel string) error {
	fullPath, err := ls.Resolve(rel)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether rel is present on disk.
func (ls *LocalStorage) Exists(rel string) bool {
	fullPath, err := ls.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// S3Storage mirrors media to S3-compatible object storage under the same relative keys.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Storage, error) {
	// Strip scheme if present
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		// Use IAM role credentials if keys are not provided
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}

	return &S3Storage{
		Client:     minioClient,
		BucketName: bucket,
		PublicURL:  strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Put uploads data under key.
func (s3 *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s3.Client.PutObject(ctx, s3.BucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Remove deletes key from the bucket.
func (s3 *S3Storage) Remove(ctx context.Context, key string) error {
	if err := s3.Client.RemoveObject(ctx, s3.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s3 *S3Storage) URL(key string) string {
	return s3.PublicURL + "/" + strings.TrimPrefix(key, "/")
}
