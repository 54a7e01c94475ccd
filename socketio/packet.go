package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Engine.IO v4 packet types
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message
const (
	packetConnect byte = iota
	packetDisconnect
	packetEvent
	packetAck
	packetConnectError
	packetBinaryEvent
	packetBinaryAck
)

// EIO is the Engine.IO protocol revision this client speaks.
const EIO = "4"

const defaultNamespace = "/"

var (
	// ErrEmptyPacket 空数据帧
	ErrEmptyPacket = errors.New("socketio: empty packet")
	// ErrBinaryUnsupported 不支持二进制附件
	ErrBinaryUnsupported = errors.New("socketio: binary packets are not supported")
)

// engineHandshake is the payload of the Engine.IO open packet.
type engineHandshake struct {
	SID          string
	PingInterval int64
	PingTimeout  int64
	MaxPayload   int64
}

type socketPacket struct {
	Type      byte
	Namespace string
	ID        int64
	HasID     bool
	Payload   gjson.Result
	Raw       string
}

// PacketError 无法解析的服务端数据帧
type PacketError struct {
	Raw    string
	Reason string
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("socketio: invalid packet %q: %s", truncate(e.Raw, 64), e.Reason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// decodeEngine splits a text frame into its Engine.IO type and data.
func decodeEngine(frame []byte) (byte, string, error) {
	if len(frame) == 0 {
		return 0, "", ErrEmptyPacket
	}
	t := frame[0]
	if t < engineOpen || t > engineNoop {
		return 0, "", &PacketError{Raw: string(frame), Reason: "unknown engine packet type"}
	}
	return t, string(frame[1:]), nil
}

func decodeHandshake(data string) (*engineHandshake, error) {
	if !gjson.Valid(data) {
		return nil, &PacketError{Raw: data, Reason: "open payload is not json"}
	}
	res := gjson.Parse(data)
	sid := res.Get("sid")
	if sid.Type != gjson.String || sid.String() == "" {
		return nil, &PacketError{Raw: data, Reason: "open payload has no sid"}
	}
	return &engineHandshake{
		SID:          sid.String(),
		PingInterval: res.Get("pingInterval").Int(),
		PingTimeout:  res.Get("pingTimeout").Int(),
		MaxPayload:   res.Get("maxPayload").Int(),
	}, nil
}

// decodeSocket parses a Socket.IO packet:
// <type>[<attachments>-][<namespace>,][<id>][<json payload>]
func decodeSocket(data string) (*socketPacket, error) {
	if data == "" {
		return nil, ErrEmptyPacket
	}
	t := data[0] - '0'
	if t > packetBinaryAck {
		return nil, &PacketError{Raw: data, Reason: "unknown socket packet type"}
	}
	if t == packetBinaryEvent || t == packetBinaryAck {
		return nil, ErrBinaryUnsupported
	}

	p := &socketPacket{Type: t, Namespace: defaultNamespace, Raw: data}
	i := 1

	if i < len(data) && data[i] == '/' {
		end := i
		for end < len(data) && data[end] != ',' {
			end++
		}
		p.Namespace = data[i:end]
		i = end
		if i < len(data) {
			i++
		}
	}

	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseInt(data[start:i], 10, 64)
		if err != nil {
			return nil, &PacketError{Raw: data, Reason: "invalid ack id"}
		}
		p.ID = id
		p.HasID = true
	}

	if payload := data[i:]; payload != "" {
		if !gjson.Valid(payload) {
			return nil, &PacketError{Raw: data, Reason: "payload is not json"}
		}
		p.Payload = gjson.Parse(payload)
	}

	if t == packetEvent {
		if !p.Payload.IsArray() {
			return nil, &PacketError{Raw: data, Reason: "event payload is not an array"}
		}
		arr := p.Payload.Array()
		if len(arr) == 0 || arr[0].Type != gjson.String {
			return nil, &PacketError{Raw: data, Reason: "event name missing"}
		}
	}

	return p, nil
}

// eventArgs returns the event name and its raw json arguments.
func (p *socketPacket) eventArgs() (string, []json.RawMessage) {
	arr := p.Payload.Array()
	args := make([]json.RawMessage, 0, len(arr)-1)
	for _, a := range arr[1:] {
		args = append(args, json.RawMessage(a.Raw))
	}
	return arr[0].String(), args
}

// encodeEvent builds the text frame for an outbound event on the default namespace.
func encodeEvent(event string, args ...any) ([]byte, error) {
	return encodeEventID(-1, event, args...)
}

// encodeEventID is encodeEvent with an ack id; a negative id requests no ack.
func encodeEventID(id int64, event string, args ...any) ([]byte, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)
	body, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("socketio: encode %s: %w", event, err)
	}
	frame := make([]byte, 0, len(body)+24)
	frame = append(frame, engineMessage, '0'+packetEvent)
	if id >= 0 {
		frame = strconv.AppendInt(frame, id, 10)
	}
	return append(frame, body...), nil
}

// ackArgs returns the raw arguments of an ACK packet.
func (p *socketPacket) ackArgs() []json.RawMessage {
	arr := p.Payload.Array()
	args := make([]json.RawMessage, 0, len(arr))
	for _, a := range arr {
		args = append(args, json.RawMessage(a.Raw))
	}
	return args
}

// encodeConnect builds the namespace connect frame, with an optional auth payload.
func encodeConnect(auth map[string]any) ([]byte, error) {
	frame := []byte{engineMessage, '0' + packetConnect}
	if len(auth) == 0 {
		return frame, nil
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("socketio: encode auth: %w", err)
	}
	return append(frame, body...), nil
}

func encodeDisconnect() []byte {
	return []byte{engineMessage, '0' + packetDisconnect}
}

// newConnectError decodes a CONNECT_ERROR payload, {"message": "...", "data": ...}.
func newConnectError(p *socketPacket) *ConnectError {
	if !p.Payload.IsObject() {
		return &ConnectError{Malformed: true, Raw: p.Raw}
	}
	msg := p.Payload.Get("message")
	if msg.Type != gjson.String {
		return &ConnectError{Malformed: true, Raw: p.Raw}
	}
	return &ConnectError{Message: msg.String(), Raw: p.Raw}
}
