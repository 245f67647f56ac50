// Package proto defines the JSON frames exchanged over a session WebSocket.
//
// Every frame is a Message. Tunnel events are carried as ordinary messages
// whose Method names one of the socks* events below; their params decode into
// the typed payloads of this package. Binary payloads are []byte fields and
// therefore travel base64 encoded.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tunnel event methods. Requested/Closed flow from the listener side to the
// peer; Connected/Failed/Error/End flow back. Data flows both ways.
const (
	MethodSocksRequested = "socksRequested"
	MethodSocksData      = "socksData"
	MethodSocksClosed    = "socksClosed"
	MethodSocksConnected = "socksConnected"
	MethodSocksFailed    = "socksFailed"
	MethodSocksError     = "socksError"
	MethodSocksEnd       = "socksEnd"
)

// ErrNotTunnelEvent is returned by DecodeTunnelEvent for non-socks methods.
var ErrNotTunnelEvent = errors.New("proto: not a tunnel event")

// Message is a single WebSocket frame.
type Message struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the error half of a response.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SocksRequested asks the peer to open an outbound connection.
type SocksRequested struct {
	UID  string `json:"uid"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SocksConnected reports a successful outbound connection and its local address.
type SocksConnected struct {
	UID  string `json:"uid"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SocksData carries tunnel bytes in either direction.
type SocksData struct {
	UID  string `json:"uid"`
	Data []byte `json:"data"`
}

// SocksFailed reports a failed outbound connection with an errno-style code.
type SocksFailed struct {
	UID       string `json:"uid"`
	ErrorCode string `json:"errorCode"`
}

// SocksError reports an error on an established outbound connection.
type SocksError struct {
	UID   string `json:"uid"`
	Error string `json:"error"`
}

// SocksClosed reports that the SOCKS client side of a tunnel went away.
type SocksClosed struct {
	UID string `json:"uid"`
}

// SocksEnd reports that the outbound side of a tunnel finished.
type SocksEnd struct {
	UID string `json:"uid"`
}

// TunnelEvent is implemented by every socks* payload.
type TunnelEvent interface {
	TunnelUID() string
	method() string
}

func (e SocksRequested) TunnelUID() string { return e.UID }
func (e SocksConnected) TunnelUID() string { return e.UID }
func (e SocksData) TunnelUID() string      { return e.UID }
func (e SocksFailed) TunnelUID() string    { return e.UID }
func (e SocksError) TunnelUID() string     { return e.UID }
func (e SocksClosed) TunnelUID() string    { return e.UID }
func (e SocksEnd) TunnelUID() string       { return e.UID }

func (SocksRequested) method() string { return MethodSocksRequested }
func (SocksConnected) method() string { return MethodSocksConnected }
func (SocksData) method() string      { return MethodSocksData }
func (SocksFailed) method() string    { return MethodSocksFailed }
func (SocksError) method() string     { return MethodSocksError }
func (SocksClosed) method() string    { return MethodSocksClosed }
func (SocksEnd) method() string       { return MethodSocksEnd }

// IsTunnelMethod reports whether method names a tunnel event.
func IsTunnelMethod(method string) bool {
	switch method {
	case MethodSocksRequested, MethodSocksData, MethodSocksClosed,
		MethodSocksConnected, MethodSocksFailed, MethodSocksError, MethodSocksEnd:
		return true
	}
	return false
}

// NewEvent wraps a tunnel event into a Message.
func NewEvent(ev TunnelEvent) (Message, error) {
	params, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: ev.method(), Params: params}, nil
}

// DecodeTunnelEvent decodes msg into its typed payload. Payloads without a
// uid are rejected.
func DecodeTunnelEvent(msg Message) (TunnelEvent, error) {
	var ev TunnelEvent
	var err error
	switch msg.Method {
	case MethodSocksRequested:
		ev, err = decode[SocksRequested](msg.Params)
	case MethodSocksConnected:
		ev, err = decode[SocksConnected](msg.Params)
	case MethodSocksData:
		ev, err = decode[SocksData](msg.Params)
	case MethodSocksFailed:
		ev, err = decode[SocksFailed](msg.Params)
	case MethodSocksError:
		ev, err = decode[SocksError](msg.Params)
	case MethodSocksClosed:
		ev, err = decode[SocksClosed](msg.Params)
	case MethodSocksEnd:
		ev, err = decode[SocksEnd](msg.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotTunnelEvent, msg.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Method, err)
	}
	if ev.TunnelUID() == "" {
		return nil, fmt.Errorf("decode %s: missing uid", msg.Method)
	}
	return ev, nil
}

func decode[T TunnelEvent](raw json.RawMessage) (TunnelEvent, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("missing params")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

// ErrorResponse builds the reply to request id carrying err.
func ErrorResponse(id int, err error) Message {
	return Message{ID: id, Error: &ErrorPayload{Message: err.Error()}}
}
