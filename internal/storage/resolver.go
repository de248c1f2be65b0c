package storage

import (
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

const maxNameLen = 120

// PathResolver maps an item to its deterministic destination path.
type PathResolver interface {
	Resolve(container domain.Container, item domain.Item) string
}

// GroupedResolver lays files out as <root>/<container>/<kind>/<year>/<id>_<name>.
type GroupedResolver struct {
	Root string
}

func (r GroupedResolver) Resolve(container domain.Container, item domain.Item) string {
	group := container.Name
	if group == "" {
		group = container.ID
	}

	kind := item.Kind
	if kind == "" {
		kind = domain.MediaOther
	}

	year := "unknown"
	if !item.Date.IsZero() {
		year = strconv.Itoa(item.Date.Year())
	}

	name := SanitizeName(item.ID)
	if item.Name != "" {
		name += "_" + SanitizeName(item.Name)
	}

	return filepath.Join(r.Root, SanitizeName(group), string(kind), year, name)
}

// SanitizeName makes s safe to use as a single path element.
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "_"
	}
	if len(out) > maxNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = strings.TrimRight(truncateUTF8(out, maxNameLen-len(ext)), " .") + ext
	}
	return out
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
