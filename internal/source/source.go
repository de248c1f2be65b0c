// Package source defines the content source the engine pulls items from.
// Protocol clients plug in behind Source.
package source

import (
	"context"
	"io"
	"iter"
	"strings"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// Stream is an open byte stream for one item.
type Stream struct {
	Body io.ReadCloser
	// Total is the full content size or domain.UnknownSize.
	Total int64
	// Offset is where Body actually starts. It is zero when the source
	// ignored a resume request and restarted from the beginning.
	Offset         int64
	SupportsResume bool
	// Version identifies the content revision (ETag or Last-Modified). It is
	// stored on the item so a later resume can insist on the same revision.
	Version string
}

// Opener opens item payloads. The transfer executor only needs this part.
type Opener interface {
	Open(ctx context.Context, item domain.Item, offset int64) (*Stream, error)
}

// Source enumerates containers and items and opens their payloads.
type Source interface {
	Opener
	Containers(ctx context.Context) ([]domain.Container, error)
	// Items yields the items of a container lazily. Iteration stops at the
	// first error, which is yielded with a zero Item.
	Items(ctx context.Context, container domain.Container) iter.Seq2[domain.Item, error]
}

// EmptyBody is used for streams with nothing left to read.
func EmptyBody() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}
