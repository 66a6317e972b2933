package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var errMalformed = errors.New("malformed packet")

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// readTimeout is the longest silence the server allows before a ping is due.
func (o openPacket) readTimeout() time.Duration {
	d := time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
	if d <= 0 {
		return 45 * time.Second
	}
	return d
}

func parseOpen(b []byte) (openPacket, error) {
	if len(b) == 0 || b[0] != eioOpen {
		return openPacket{}, fmt.Errorf("%w: expected open, got %q", errMalformed, truncate(b))
	}
	var o openPacket
	if err := json.Unmarshal(b[1:], &o); err != nil {
		return openPacket{}, fmt.Errorf("%w: open: %v", errMalformed, err)
	}
	return o, nil
}

// decodeEvent parses the body of a Socket.IO EVENT packet (after the type byte):
// an optional "/nsp," prefix, an optional ack id and a JSON array whose first
// element is the event name.
func decodeEvent(b []byte) (name string, args []json.RawMessage, err error) {
	if len(b) > 0 && b[0] == '/' {
		i := bytes.IndexByte(b, ',')
		if i < 0 {
			return "", nil, fmt.Errorf("%w: namespace without payload", errMalformed)
		}
		b = b[i+1:]
	}
	for len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		b = b[1:]
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return "", nil, fmt.Errorf("%w: event: %v", errMalformed, err)
	}
	if len(arr) == 0 {
		return "", nil, fmt.Errorf("%w: empty event", errMalformed)
	}
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", errMalformed, err)
	}
	return name, arr[1:], nil
}

// encodeEvent builds a "42[...]" frame. Only tests and fakes send events.
func encodeEvent(name string, args ...any) ([]byte, error) {
	arr := append([]any{name}, args...)
	b, err := json.Marshal(arr)
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, b...), nil
}

// endpoint turns a base URL into the websocket transport URL.
func endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
