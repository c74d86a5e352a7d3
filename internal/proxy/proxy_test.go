package proxy

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitr/internal/config"
)

func TestMatchLongestPrefixWins(t *testing.T) {
	routes := []config.ProxyRoute{
		{Prefix: "/api", Upstream: "http://127.0.0.1:9000"},
		{Prefix: "/api/v2", Upstream: "http://127.0.0.1:9001"},
	}
	r, ok := Match("/api/v2/things", routes)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9001", r.Upstream)
}

func TestMatchNoRouteMisses(t *testing.T) {
	_, ok := Match("/nope", []config.ProxyRoute{{Prefix: "/api", Upstream: "x"}})
	assert.False(t, ok)
}

func TestMatchTiesResolveByConfigOrder(t *testing.T) {
	routes := []config.ProxyRoute{
		{Prefix: "/api", Upstream: "first"},
		{Prefix: "/api", Upstream: "second"},
	}
	r, ok := Match("/api/x", routes)
	require.True(t, ok)
	assert.Equal(t, "first", r.Upstream)
	assert.Equal(t, 0, r.Index)
}

func TestForwardRelaysUpstreamResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, _ := reader.ReadString('\n')
		assert.True(t, strings.HasPrefix(line, "GET /api/things"))
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	f := New()
	route := Route{ProxyRoute: config.ProxyRoute{Prefix: "/api", Upstream: "http://" + ln.Addr().String()}}
	resp, err := f.Forward("GET", "/api/things", []string{"Host: x"}, nil, route)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "200 OK")
	assert.Contains(t, string(resp), "ok")
	<-done
}

func TestForwardUnreachableUpstreamYieldsBadGateway(t *testing.T) {
	f := New()
	route := Route{ProxyRoute: config.ProxyRoute{Prefix: "/api", Upstream: "http://127.0.0.1:1"}}
	resp, err := f.Forward("GET", "/api/x", nil, nil, route)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "502 Bad Gateway")
}
