package nsfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageEngine is the data store. Each regular file with content has
// one object, named by filesystem and inode number.
type ObjectStorageEngine interface {
	// Read fills buf from offset. A missing object reads as zeros.
	Read(ctx context.Context, fsName string, ino uint64, offset uint64, buf []byte) (uint64, error)
	// Write replaces the whole object with data, returning its size.
	Write(ctx context.Context, fsName string, ino uint64, data *os.File) (int64, error)
	// Remove is idempotent, removing a missing object succeeds.
	Remove(ctx context.Context, fsName string, ino uint64) error
	Close() error
}

var ErrStorageEngineNotConfigured error = errors.New("storage engine not configured")

// objectKey is slash separated so one bucket or directory can hold
// several filesystems.
func objectKey(fsName string, ino uint64) string {
	return fsName + "/" + fmt.Sprintf("%016x", ino)
}

func zeroFill(buf []byte) uint64 {
	clear(buf)
	return uint64(len(buf))
}

type unconfiguredStorageEngine struct{}

func (unconfiguredStorageEngine) Read(context.Context, string, uint64, uint64, []byte) (uint64, error) {
	return 0, ErrStorageEngineNotConfigured
}

func (unconfiguredStorageEngine) Write(context.Context, string, uint64, *os.File) (int64, error) {
	return 0, ErrStorageEngineNotConfigured
}

func (unconfiguredStorageEngine) Remove(context.Context, string, uint64) error {
	return ErrStorageEngineNotConfigured
}

func (unconfiguredStorageEngine) Close() error { return nil }

// fileStorageEngine keeps objects in a local or network mounted directory.
type fileStorageEngine struct {
	dir string
}

func (s *fileStorageEngine) objectPath(fsName string, ino uint64) string {
	return filepath.Join(s.dir, filepath.FromSlash(objectKey(fsName, ino)))
}

func (s *fileStorageEngine) Write(ctx context.Context, fsName string, ino uint64, data *os.File) (int64, error) {
	dst := s.objectPath(fsName, ino)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	// Write beside the destination and rename, readers never see a partial
	// object.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, data)
	if err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := ctx.Err(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}

func (s *fileStorageEngine) Read(ctx context.Context, fsName string, ino uint64, offset uint64, buf []byte) (uint64, error) {
	f, err := os.Open(s.objectPath(fsName, ino))
	if errors.Is(err, os.ErrNotExist) {
		return zeroFill(buf), nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(offset))
	return uint64(n), err
}

func (s *fileStorageEngine) Remove(ctx context.Context, fsName string, ino uint64) error {
	err := os.Remove(s.objectPath(fsName, ino))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStorageEngine) Close() error { return nil }

type s3StorageEngine struct {
	prefix string
	bucket string
	client *minio.Client
}

func (s *s3StorageEngine) key(fsName string, ino uint64) string {
	return path.Join(s.prefix, objectKey(fsName, ino))
}

func (s *s3StorageEngine) Read(ctx context.Context, fsName string, ino uint64, offset uint64, buf []byte) (uint64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(fsName, ino), minio.GetObjectOptions{})
	if err != nil {
		return 0, s3Err(err)
	}
	defer obj.Close()
	n, err := obj.ReadAt(buf, int64(offset))
	if err != nil && minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return zeroFill(buf), nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return uint64(n), s3Err(err)
	}
	return uint64(n), err
}

func (s *s3StorageEngine) Write(ctx context.Context, fsName string, ino uint64, data *os.File) (int64, error) {
	stat, err := data.Stat()
	if err != nil {
		return 0, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.key(fsName, ino), data, stat.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, s3Err(err)
	}
	return info.Size, nil
}

func (s *s3StorageEngine) Remove(ctx context.Context, fsName string, ino uint64) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(fsName, ino), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).StatusCode != http.StatusNotFound {
		return s3Err(err)
	}
	return nil
}

func (s *s3StorageEngine) Close() error { return nil }

// s3Err gives access denials their namespace kind, everything else is
// classified by the caller.
func s3Err(err error) error {
	switch minio.ToErrorResponse(err).StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrPermission, err)
	default:
		return err
	}
}

// newS3StorageEngine parses "s3://key:secret@host:port/prefix?bucket=b&secure=false".
// Without credentials in the url they are taken from the AWS_* environment.
func newS3StorageEngine(spec string) (*s3StorageEngine, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	q := u.Query()

	bucket := q.Get("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("s3 storage url %q must contain bucket parameter: %w", u.Redacted(), ErrInvalid)
	}

	secure := true
	if v := q.Get("secure"); v != "" {
		secure, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("s3 storage url %q has a bad secure parameter: %w", u.Redacted(), ErrInvalid)
		}
	}

	creds := miniocredentials.NewEnvAWS()
	if u.User != nil {
		secret, _ := u.User.Password()
		creds = miniocredentials.NewStaticV4(u.User.Username(), secret, "")
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: q.Get("region"),
	})
	if err != nil {
		return nil, err
	}

	return &s3StorageEngine{
		bucket: bucket,
		prefix: strings.Trim(u.Path, "/"),
		client: client,
	}, nil
}

// NewObjectStorageEngine parses a storage spec: "file:/dir", an s3 url (see
// newS3StorageEngine) or "" for a namespace without content.
func NewObjectStorageEngine(storageSpec string) (ObjectStorageEngine, error) {
	switch {
	case storageSpec == "":
		return unconfiguredStorageEngine{}, nil
	case strings.HasPrefix(storageSpec, "file:"):
		dir := strings.TrimPrefix(storageSpec, "file:")
		if dir == "" {
			return nil, fmt.Errorf("file storage needs a directory: %w", ErrInvalid)
		}
		return &fileStorageEngine{dir: dir}, nil
	case strings.HasPrefix(storageSpec, "s3:"):
		return newS3StorageEngine(storageSpec)
	default:
		return nil, fmt.Errorf("unknown storage specification %q: %w", storageSpec, ErrInvalid)
	}
}
