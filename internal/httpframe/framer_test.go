package httpframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFullRequestGetNoBody(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.True(t, IsFullRequest(req))
	assert.False(t, IsFullRequest(req[:len(req)-1]))
}

func TestIsFullRequestWaitsForHeaders(t *testing.T) {
	assert.False(t, IsFullRequest([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
}

func TestIsFullRequestContentLengthBoundary(t *testing.T) {
	full := []byte("POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nab")
	assert.False(t, IsFullRequest(full))
	assert.True(t, IsFullRequest(append(full, []byte("cde")...)))
}

func TestIsFullRequestMissingContentLengthIsNotFull(t *testing.T) {
	req := []byte("POST /x HTTP/1.1\r\nHost: x\r\n\r\nabc")
	assert.False(t, IsFullRequest(req))
}

func TestIsFullRequestMalformedContentLength(t *testing.T) {
	req := []byte("PUT /x HTTP/1.1\r\nContent-Length: not-a-number\r\n\r\n")
	assert.False(t, IsFullRequest(req))
}

func TestIsFullRequestCaseInsensitiveHeader(t *testing.T) {
	req := []byte("POST /x HTTP/1.1\r\ncontent-length: 2\r\n\r\nhi")
	assert.True(t, IsFullRequest(req))
}

func TestSplitLines(t *testing.T) {
	lines := SplitLines([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close"))
	assert.Equal(t, []string{"GET / HTTP/1.1", "Host: x", "Connection: close"}, lines)
}
