// Package httpframe detects whether a byte buffer holds a complete
// HTTP/1.1 request and exposes the raw start-line/header split used by
// the worker's router. It is deliberately permissive: bytes are treated
// as ISO-8859-1 and header syntax is not validated beyond what framing
// requires.
package httpframe

import (
	"bytes"
	"strconv"
	"strings"
)

const crlfcrlf = "\r\n\r\n"
const crlf = "\r\n"

// IsFullRequest reports whether buf contains a complete HTTP/1.1 request:
// a full header block, and — for POST/PUT — enough body bytes to satisfy
// a present, well-formed Content-Length header.
func IsFullRequest(buf []byte) bool {
	headerEnd := bytes.Index(buf, []byte(crlfcrlf))
	if headerEnd == -1 {
		return false
	}

	headerText := decodeLatin1(buf[:headerEnd])
	lines := strings.Split(headerText, crlf)
	if len(lines) == 0 {
		return false
	}

	startLine := strings.Fields(lines[0])
	if len(startLine) == 0 {
		return false
	}
	method := startLine[0]

	if method != "POST" && method != "PUT" {
		return true
	}

	contentLength, ok := findContentLength(lines[1:])
	if !ok {
		return false
	}

	bodyStart := headerEnd + len(crlfcrlf)
	return len(buf) >= bodyStart+contentLength
}

// SplitLines splits buf on CRLF and returns the resulting lines; the
// first is the request's start-line, the rest are raw header lines.
func SplitLines(buf []byte) []string {
	return strings.Split(decodeLatin1(buf), crlf)
}

// HeaderLines locates the header/body boundary in buf and splits only
// the start-line-plus-headers block that precedes it, discarding the
// blank-line separator and everything after it — including any request
// body. Callers normally call this only once IsFullRequest(buf) is true;
// if no boundary is found yet, it falls back to splitting the whole
// buffer so a caller that ignores that contract still gets a best-effort
// start-line.
func HeaderLines(buf []byte) []string {
	headerEnd := bytes.Index(buf, []byte(crlfcrlf))
	if headerEnd == -1 {
		return SplitLines(buf)
	}
	return SplitLines(buf[:headerEnd])
}

func findContentLength(headerLines []string) (int, bool) {
	for _, line := range headerLines {
		if len(line) < len("content-length:") {
			continue
		}
		if !strings.EqualFold(line[:len("content-length:")], "content-length:") {
			continue
		}
		value := strings.TrimSpace(line[len("content-length:"):])
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// decodeLatin1 reinterprets raw bytes as ISO-8859-1, where every byte
// value 0x00-0xFF maps one-to-one onto a Unicode code point.
func decodeLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
