package worker

import (
	"strings"

	"waitr/internal/config"
	"waitr/internal/httpframe"
	"waitr/internal/proxy"
	"waitr/internal/static"
)

// parsedRequest is the start-line plus the header lines that precede the
// blank-line separator, as produced by httpframe.HeaderLines — never the
// request body.
type parsedRequest struct {
	method      string
	path        string
	version     string
	headerLines []string
}

func parseRequest(recvBuffer []byte) (parsedRequest, bool) {
	lines := httpframe.HeaderLines(recvBuffer)
	if len(lines) == 0 {
		return parsedRequest{}, false
	}
	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return parsedRequest{}, false
	}
	return parsedRequest{
		method:      fields[0],
		path:        fields[1],
		version:     fields[2],
		headerLines: lines[1:],
	}, true
}

// keepAlive reports whether the connection should stay open after this
// response: true iff the request is HTTP/1.1 and carries no Connection
// header whose value contains "close".
func keepAlive(req parsedRequest) bool {
	if req.version != "HTTP/1.1" {
		return false
	}
	for _, h := range req.headerLines {
		if !strings.HasPrefix(strings.ToLower(h), "connection:") {
			continue
		}
		if strings.Contains(strings.ToLower(h), "close") {
			return false
		}
	}
	return true
}

// dispatch routes a fully-framed request to the static responder or the
// proxy forwarder and returns the response bytes to place in the
// connection's send buffer.
func dispatch(req parsedRequest, bodyStart int, recvBuffer []byte, cfg *config.Config, staticResp *static.Responder, forwarder *proxy.Forwarder) []byte {
	if req.method == "GET" && req.path == "/" {
		return staticResp.Build(req.path)
	}

	if route, ok := proxy.Match(req.path, cfg.Proxy); ok {
		var body []byte
		if bodyStart >= 0 && bodyStart <= len(recvBuffer) {
			body = recvBuffer[bodyStart:]
		}
		resp, err := forwarder.Forward(req.method, req.path, req.headerLines, body, route)
		if err != nil {
			return proxy.BadGateway()
		}
		return resp
	}

	if req.method == "GET" {
		return staticResp.Build(req.path)
	}

	return static.MethodNotAllowed()
}
