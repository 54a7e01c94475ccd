package socketio

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath Socket.IO 默认挂载路径
const DefaultPath = "/socket.io/"

// NormalizeURL rewrites an executor address into the websocket endpoint the
// client dials: http becomes ws, https becomes wss, the Socket.IO path is
// appended when the address has none, and the Engine.IO query is set.
//
// A path in the address replaces the Engine.IO mount path. socket.io-client
// would read it as a namespace and keep /socket.io/; this client only joins
// the default namespace, so "http://host/custom" dials ws://host/custom/.
func NormalizeURL(raw, path string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("socketio: server url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("socketio: parse server url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socketio: server url %q has no host", raw)
	}

	if path == "" {
		path = DefaultPath
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	q := u.Query()
	q.Set("EIO", EIO)
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
