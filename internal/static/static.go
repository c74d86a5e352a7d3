// Package static builds full HTTP responses for files under a configured
// root directory.
package static

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const notFoundBody = "Not Found"

// Responder serves files rooted at Root, substituting Index for the
// bare "/" path.
type Responder struct {
	Root  string
	Index string
}

// New constructs a Responder for the given static root and index file.
func New(root, index string) *Responder {
	return &Responder{Root: root, Index: index}
}

// Build returns the full HTTP/1.1 response bytes for a GET of path.
//
// A request path resolving outside Root is treated the same as a missing
// file (404): a naive filepath.Join would otherwise let "../" escape the
// static root.
func (r *Responder) Build(path string) []byte {
	if path == "/" {
		path = "/" + r.Index
	}

	fullPath := filepath.Join(r.Root, strings.TrimPrefix(path, "/"))

	absRoot, err := filepath.Abs(r.Root)
	if err != nil {
		return notFound()
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return notFound()
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return notFound()
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.Mode().IsRegular() {
		return notFound()
	}

	body, err := os.ReadFile(absPath)
	if err != nil {
		return notFound()
	}

	headers := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Length: %d\r\nContent-Type: text/html\r\n\r\n",
		len(body),
	)
	return append([]byte(headers), body...)
}

func notFound() []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 404 Not Found\r\nContent-Length: %d\r\nContent-Type: text/plain\r\n\r\n%s",
		len(notFoundBody), notFoundBody,
	))
}

// MethodNotAllowed builds the literal 405 response for a non-GET request
// that matched no proxy route.
func MethodNotAllowed() []byte {
	return []byte("HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n")
}
