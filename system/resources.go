package system

import (
	"bytes"
	"net/http"
	"path"
	"sort"
	"sync"
)

// Resource is one entry in the web resource table. Exactly one of Data,
// FilePath, Handler or Strings is set.
type Resource struct {
	MIME     string
	Data     []byte
	FilePath string
	Handler  http.HandlerFunc
	// Strings is a localization strings map served as text/strings.
	Strings map[string]string
}

// ResourceTable maps URL paths to resources.
type ResourceTable struct {
	mu sync.RWMutex
	m  map[string]Resource
}

// Add registers or replaces a resource.
func (t *ResourceTable) Add(urlPath string, r Resource) {
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[string]Resource)
	}
	t.m[urlPath] = r
	t.mu.Unlock()
}

// Remove drops a resource.
func (t *ResourceTable) Remove(urlPath string) {
	t.mu.Lock()
	delete(t.m, urlPath)
	t.mu.Unlock()
}

// Lookup finds a resource by exact path.
func (t *ResourceTable) Lookup(urlPath string) (Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.m[urlPath]
	return r, ok
}

// Paths lists registered paths in sorted order.
func (t *ResourceTable) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.m))
	for p := range t.m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resources returns the system resource table.
func (s *System) Resources() *ResourceTable { return &s.resources }

// MIMETable maps file extensions to MIME types for the web surface.
type MIMETable struct {
	mu sync.RWMutex
	m  map[string]string
}

var defaultMIMEs = map[string]string{
	".css":  "text/css",
	".html": "text/html",
	".ico":  "image/vnd.microsoft.icon",
	".jpg":  "image/jpeg",
	".js":   "text/javascript",
	".png":  "image/png",
	".txt":  "text/plain",
}

// Add registers an extension (with leading dot) to MIME type mapping.
func (t *MIMETable) Add(ext, mime string) {
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[string]string)
	}
	t.m[ext] = mime
	t.mu.Unlock()
}

// Lookup resolves a filename to its MIME type.
func (t *MIMETable) Lookup(filename string) (string, bool) {
	ext := path.Ext(filename)
	t.mu.RLock()
	if t.m != nil {
		if m, ok := t.m[ext]; ok {
			t.mu.RUnlock()
			return m, true
		}
	}
	t.mu.RUnlock()
	m, ok := defaultMIMEs[ext]
	return m, ok
}

// MIMEs returns the system MIME table.
func (s *System) MIMEs() *MIMETable { return &s.mimes }

// DetectFormat sniffs a document prefix and returns its MIME type, or the
// fallback when nothing matches.
func DetectFormat(prefix []byte, fallback string) string {
	switch {
	case bytes.HasPrefix(prefix, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(prefix, []byte("RaS2")):
		return "image/pwg-raster"
	case bytes.HasPrefix(prefix, []byte("UNIRAST")):
		return "image/urf"
	case bytes.HasPrefix(prefix, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(prefix, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	}
	return fallback
}

func (s *System) registerBuiltinResources() {
	s.resources.Add("/style.css", Resource{MIME: "text/css", Data: []byte(baseStyle)})
}

const baseStyle = `body{font-family:sans-serif;margin:2em}
table{border-collapse:collapse}
td,th{border:1px solid #ccc;padding:.3em .6em;text-align:left}
form label{display:block;margin:.5em 0}
`
