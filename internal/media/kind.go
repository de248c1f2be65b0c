// Package media buckets attachments into coarse media kinds.
package media

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

var documentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/rtf",
	"application/epub+zip",
	"application/vnd.",
	"application/x-tex",
	"application/json",
	"application/xml",
}

// Classify derives the kind from the item's declared MIME type, falling back
// to the file extension.
func Classify(item domain.Item) domain.MediaKind {
	if k := FromMIME(item.MIMEType); k != domain.MediaOther {
		return k
	}
	if ext := filepath.Ext(item.Name); ext != "" {
		return FromMIME(mime.TypeByExtension(strings.ToLower(ext)))
	}
	return domain.MediaOther
}

// FromMIME maps a MIME type (parameters allowed) to a kind.
func FromMIME(mt string) domain.MediaKind {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "":
		return domain.MediaOther
	case strings.HasPrefix(mt, "image/"):
		return domain.MediaPhoto
	case strings.HasPrefix(mt, "video/"):
		return domain.MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		return domain.MediaAudio
	case strings.HasPrefix(mt, "text/"):
		return domain.MediaDocument
	}
	for _, prefix := range documentTypes {
		if strings.HasPrefix(mt, prefix) {
			return domain.MediaDocument
		}
	}
	return domain.MediaOther
}

// Detect sniffs the content of a local file.
func Detect(path string) (domain.MediaKind, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return domain.MediaOther, err
	}
	for m := mt; m != nil; m = m.Parent() {
		if k := FromMIME(m.String()); k != domain.MediaOther {
			return k, nil
		}
	}
	return domain.MediaOther, nil
}
