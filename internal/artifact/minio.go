package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"audiobrief/internal/job"
)

// Minio is the production Store over a single bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// MinioOptions carries connection settings.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// NewMinio connects and ensures the bucket exists.
func NewMinio(ctx context.Context, opts MinioOptions) (*Minio, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &Minio{client: client, bucket: opts.Bucket}, nil
}

// Put uploads the file, hashing the content on the way through.
func (m *Minio) Put(ctx context.Context, jobID, name, localPath string) (job.Artifact, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return job.Artifact{}, fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return job.Artifact{}, fmt.Errorf("hash artifact %s: %w", localPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return job.Artifact{}, fmt.Errorf("rewind artifact %s: %w", localPath, err)
	}

	object := path.Join(jobID, name)
	_, err = m.client.PutObject(ctx, m.bucket, object, f, size, minio.PutObjectOptions{
		ContentType: contentTypeForName(name),
	})
	if err != nil {
		return job.Artifact{}, fmt.Errorf("upload %s: %w", object, err)
	}

	return job.Artifact{
		Name:   name,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Open streams an output object.
func (m *Minio) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	object := path.Join(jobID, name)
	obj, err := m.client.GetObject(ctx, m.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", object, err)
	}
	// GetObject is lazy: confirm the object exists before handing it out.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", object, err)
	}
	return obj, nil
}

// Fetch downloads an object to a local file.
func (m *Minio) Fetch(ctx context.Context, object, localPath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, object, localPath, minio.GetObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("fetch %s: %w", object, err)
	}
	return nil
}

// Remove deletes one object.
func (m *Minio) Remove(ctx context.Context, object string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", object, err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix.
func (m *Minio) RemovePrefix(ctx context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
	}
	return nil
}

// contentTypeForName maps known report extensions to mime types.
func contentTypeForName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
