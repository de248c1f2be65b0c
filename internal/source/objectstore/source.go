// Package objectstore exposes an S3-compatible bucket as a content source.
// Top-level prefixes are containers and the objects below them are items.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/source"
)

// Options configures the object store connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix scopes the source to a sub-tree of the bucket.
	Prefix string
	UseSSL bool
	// Region skips the bucket location lookup when set.
	Region string
}

type Source struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New connects to the endpoint. No request is made until first use.
func New(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint cannot be empty")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("object store bucket cannot be empty")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	return &Source{
		client: client,
		bucket: opts.Bucket,
		prefix: normalizePrefix(opts.Prefix),
		logger: logger,
	}, nil
}

// Containers lists the top-level prefixes of the bucket.
func (s *Source) Containers(ctx context.Context) ([]domain.Container, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket: %v", errpkg.ErrSourceUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bucket %q does not exist", errpkg.ErrSourceUnavailable, s.bucket)
	}

	var out []domain.Container
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list containers: %v", errpkg.ErrSourceUnavailable, obj.Err)
		}
		if c, ok := containerFromKey(s.prefix, obj.Key); ok {
			out = append(out, c)
		}
	}

	s.logger.Debug("object store containers listed", "bucket", s.bucket, "count", len(out))
	return out, nil
}

// Items streams the objects under the container prefix.
func (s *Source) Items(ctx context.Context, container domain.Container) iter.Seq2[domain.Item, error] {
	return func(yield func(domain.Item, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		prefix := s.prefix + container.ID + "/"
		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		})
		for obj := range objects {
			if obj.Err != nil {
				yield(domain.Item{}, classify(fmt.Errorf("list items: %w", obj.Err)))
				return
			}
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			if !yield(itemFromObject(container, prefix, obj), nil) {
				return
			}
		}
	}
}

// Open fetches the object from offset on. Ranged reads are always supported.
// A resume is only honored while the object still carries the ETag recorded
// in item.Version; otherwise the stream restarts at zero. The read itself is
// pinned to the ETag seen by the stat.
func (s *Source) Open(ctx context.Context, item domain.Item, offset int64) (*source.Stream, error) {
	info, err := s.client.StatObject(ctx, s.bucket, item.Ref, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(fmt.Errorf("stat %s: %w", item.Ref, err))
	}

	if offset > 0 && item.Version != "" && item.Version != info.ETag {
		s.logger.Info("object changed since partial was written, restarting",
			"key", item.Ref,
			"old_etag", item.Version,
			"etag", info.ETag,
		)
		offset = 0
	}
	if offset > info.Size {
		offset = 0
	}
	if offset == info.Size && offset > 0 {
		return &source.Stream{
			Body:           source.EmptyBody(),
			Total:          info.Size,
			Offset:         offset,
			SupportsResume: true,
			Version:        info.ETag,
		}, nil
	}

	opts := minio.GetObjectOptions{}
	if info.ETag != "" {
		if err := opts.SetMatchETag(info.ETag); err != nil {
			return nil, fmt.Errorf("set etag condition: %w", err)
		}
	}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, fmt.Errorf("set range: %w", err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, item.Ref, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("get %s: %w", item.Ref, err))
	}

	return &source.Stream{
		Body:           obj,
		Total:          info.Size,
		Offset:         offset,
		SupportsResume: true,
		Version:        info.ETag,
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func containerFromKey(prefix, key string) (domain.Container, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if !strings.HasSuffix(rest, "/") {
		return domain.Container{}, false
	}
	id := strings.TrimSuffix(rest, "/")
	if id == "" || strings.Contains(id, "/") {
		return domain.Container{}, false
	}
	return domain.Container{ID: id, Name: id}, true
}

func itemFromObject(container domain.Container, prefix string, obj minio.ObjectInfo) domain.Item {
	return domain.Item{
		ContainerID:   container.ID,
		ContainerName: container.Name,
		ID:            strings.TrimPrefix(obj.Key, prefix),
		Name:          path.Base(obj.Key),
		MIMEType:      obj.ContentType,
		Size:          obj.Size,
		Date:          obj.LastModified,
		Ref:           obj.Key,
	}
}

// classify marks server-side and network failures as transient.
func classify(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		// 412 means the object changed between stat and read; the next
		// attempt restarts against the new version.
		if resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusPreconditionFailed {
			return errpkg.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errpkg.Transient(err)
	}
	return err
}
