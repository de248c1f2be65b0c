// Package httpsource reads containers and items from a JSON manifest served
// over HTTP and fetches payloads with ranged GET requests.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/source"
)

const userAgent = "attachment-fetcher"

// Manifest is the document served at the manifest URL.
type Manifest struct {
	Containers []ManifestContainer `json:"containers"`
}

type ManifestContainer struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Items []ManifestItem `json:"items"`
}

type ManifestItem struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	MIMEType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Date     time.Time `json:"date"`
	URL      string    `json:"url"`
	Checksum string    `json:"checksum"`
}

// Source implements source.Source over an HTTP manifest.
type Source struct {
	manifestURL *url.URL
	httpClient  *http.Client
	logger      *slog.Logger

	mu       sync.Mutex
	manifest *Manifest
}

var _ source.Source = (*Source)(nil)

// New creates a Source for the given manifest URL. A nil client gets one
// without an overall timeout, since transfers may run for a long time.
func New(manifestURL string, client *http.Client, logger *slog.Logger) (*Source, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("manifest url must be http or https: %q", manifestURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Source{manifestURL: u, httpClient: client, logger: logger}, nil
}

// Containers fetches the manifest and lists its containers.
func (s *Source) Containers(ctx context.Context) ([]domain.Container, error) {
	m, err := s.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Container, 0, len(m.Containers))
	for _, c := range m.Containers {
		out = append(out, domain.Container{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// Items yields the items of a container from the most recent manifest.
func (s *Source) Items(ctx context.Context, container domain.Container) iter.Seq2[domain.Item, error] {
	return func(yield func(domain.Item, error) bool) {
		m, err := s.cachedManifest(ctx)
		if err != nil {
			yield(domain.Item{}, err)
			return
		}

		for _, c := range m.Containers {
			if c.ID != container.ID {
				continue
			}
			for _, it := range c.Items {
				if err := ctx.Err(); err != nil {
					yield(domain.Item{}, err)
					return
				}
				item, err := s.toItem(c, it)
				if !yield(item, err) || err != nil {
					return
				}
			}
			return
		}
	}
}

func (s *Source) toItem(c ManifestContainer, it ManifestItem) (domain.Item, error) {
	ref, err := s.manifestURL.Parse(it.URL)
	if err != nil {
		return domain.Item{}, fmt.Errorf("item %s: parse url: %w", it.ID, err)
	}
	size := it.Size
	if size <= 0 {
		size = domain.UnknownSize
	}
	return domain.Item{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		ID:            it.ID,
		Name:          it.Name,
		MIMEType:      it.MIMEType,
		Size:          size,
		Date:          it.Date,
		Ref:           ref.String(),
		Checksum:      it.Checksum,
	}, nil
}

func (s *Source) cachedManifest(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	m := s.manifest
	s.mu.Unlock()
	if m != nil {
		return m, nil
	}
	return s.fetchManifest(ctx)
}

func (s *Source) fetchManifest(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.manifestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch manifest: %v", errpkg.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch manifest: bad status: %s", errpkg.ErrSourceUnavailable, resp.Status)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", errpkg.ErrSourceUnavailable, err)
	}

	s.mu.Lock()
	s.manifest = &m
	s.mu.Unlock()

	s.logger.Debug("manifest loaded", "url", s.manifestURL.String(), "containers", len(m.Containers))
	return &m, nil
}

// Open requests the item's bytes from offset on. Servers answering 206 support
// resume; a 200 to a ranged request means the body restarts at zero. A known
// item.Version is sent as If-Range so a changed resource restarts too.
func (s *Source) Open(ctx context.Context, item domain.Item, offset int64) (*source.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Ref, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if item.Version != "" {
			req.Header.Set("If-Range", item.Version)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errpkg.Transient(fmt.Errorf("request %s: %w", item.Ref, err))
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total := parseContentRange(resp.Header.Get("Content-Range"))
		if start < 0 {
			start = offset
		}
		return &source.Stream{
			Body:           resp.Body,
			Total:          total,
			Offset:         start,
			SupportsResume: true,
			Version:        versionOf(resp.Header),
		}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The partial file already holds everything the server has.
		resp.Body.Close()
		_, total := parseContentRange(resp.Header.Get("Content-Range"))
		if total != offset {
			return nil, errpkg.Transient(fmt.Errorf("range %d not satisfiable, remote size %d", offset, total))
		}
		return &source.Stream{
			Body:           source.EmptyBody(),
			Total:          total,
			Offset:         offset,
			SupportsResume: true,
			Version:        item.Version,
		}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		total := resp.ContentLength
		if total < 0 {
			total = domain.UnknownSize
		}
		return &source.Stream{
			Body:           resp.Body,
			Total:          total,
			Offset:         0,
			SupportsResume: resp.Header.Get("Accept-Ranges") == "bytes",
			Version:        versionOf(resp.Header),
		}, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	err = fmt.Errorf("bad status: %s", resp.Status)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return nil, errpkg.Transient(err)
	}
	return nil, err
}

// versionOf picks the validator usable in If-Range: a strong ETag, else
// Last-Modified.
func versionOf(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return h.Get("Last-Modified")
}

// parseContentRange reads "bytes start-end/total" and "bytes */total".
// Unknown parts come back as -1.
func parseContentRange(v string) (start, total int64) {
	start, total = -1, domain.UnknownSize
	v = strings.TrimSpace(v)
	unit, rest, ok := strings.Cut(v, " ")
	if !ok || unit != "bytes" {
		return
	}
	rng, size, ok := strings.Cut(rest, "/")
	if !ok {
		return
	}
	if size != "*" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			total = n
		}
	}
	if from, _, ok := strings.Cut(rng, "-"); ok {
		if n, err := strconv.ParseInt(from, 10, 64); err == nil {
			start = n
		}
	}
	return
}
