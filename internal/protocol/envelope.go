package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// ClientMessage is an envelope sent by a client. ID is chosen by the client
// and echoed back as ReqID on the matching result or error.
type ClientMessage struct {
	ID   uint64
	Body ClientBody
}

// ClientBody is one of ConnectionInit or RPCCall.
type ClientBody interface{ clientBody() }

type ConnectionInit struct {
	Token         string
	ClientVersion string
}

type RPCCall struct {
	Method string
	Input  []byte
}

func (ConnectionInit) clientBody() {}
func (RPCCall) clientBody()        {}

// ServerMessage is an envelope sent by the server.
type ServerMessage struct {
	ID   uint64
	Body ServerBody
}

// ServerBody is one of ConnectionOpen, RPCResult, RPCError or Updates.
type ServerBody interface{ serverBody() }

type ConnectionOpen struct{}

type RPCResult struct {
	ReqID  uint64
	Result []byte
}

type RPCError struct {
	ReqID   uint64
	Code    Code
	Message string
}

// Err converts the wire error back into an *Error.
func (e RPCError) Err() *Error { return NewError(e.Code, e.Message) }

type Updates struct {
	Updates []Update
}

func (ConnectionOpen) serverBody() {}
func (RPCResult) serverBody()      {}
func (RPCError) serverBody()       {}
func (Updates) serverBody()        {}

const (
	fieldID protowire.Number = 1

	fieldConnectionInit protowire.Number = 2
	fieldRPCCall        protowire.Number = 3

	fieldConnectionOpen protowire.Number = 2
	fieldRPCResult      protowire.Number = 3
	fieldRPCError       protowire.Number = 4
	fieldUpdates        protowire.Number = 5
)

func (m *ClientMessage) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ID)

	var inner []byte
	var field protowire.Number
	switch body := m.Body.(type) {
	case ConnectionInit:
		field = fieldConnectionInit
		inner = appendString(inner, 1, body.Token)
		inner = appendString(inner, 2, body.ClientVersion)
	case RPCCall:
		field = fieldRPCCall
		inner = appendString(inner, 1, body.Method)
		inner = appendBytes(inner, 2, body.Input)
	default:
		return nil, fmt.Errorf("%w: client body %T", ErrMalformed, m.Body)
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b, nil
}

func UnmarshalClientMessage(b []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldID && typ == protowire.VarintType:
			m.ID = x
		case num == fieldConnectionInit && typ == protowire.BytesType:
			var init ConnectionInit
			if err := walkFields(v, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				switch n {
				case 1:
					init.Token = string(v)
				case 2:
					init.ClientVersion = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Body = init
		case num == fieldRPCCall && typ == protowire.BytesType:
			var call RPCCall
			if err := walkFields(v, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				switch n {
				case 1:
					call.Method = string(v)
				case 2:
					call.Input = append([]byte(nil), v...)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Body = call
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	return m, nil
}

func (m *ServerMessage) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ID)

	var inner []byte
	var field protowire.Number
	switch body := m.Body.(type) {
	case ConnectionOpen:
		field = fieldConnectionOpen
	case RPCResult:
		field = fieldRPCResult
		inner = appendVarint(inner, 1, body.ReqID)
		inner = appendBytes(inner, 2, body.Result)
	case RPCError:
		field = fieldRPCError
		inner = appendVarint(inner, 1, body.ReqID)
		inner = appendVarint(inner, 2, uint64(body.Code))
		inner = appendString(inner, 3, body.Message)
	case Updates:
		field = fieldUpdates
		for _, u := range body.Updates {
			ub, err := MarshalUpdate(u)
			if err != nil {
				return nil, err
			}
			inner = appendBytes(inner, 1, ub)
		}
	default:
		return nil, fmt.Errorf("%w: server body %T", ErrMalformed, m.Body)
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b, nil
}

func UnmarshalServerMessage(b []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if num == fieldID && typ == protowire.VarintType {
			m.ID = x
			return nil
		}
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldConnectionOpen:
			m.Body = ConnectionOpen{}
		case fieldRPCResult:
			var r RPCResult
			if err := walkFields(v, func(n protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch n {
				case 1:
					r.ReqID = x
				case 2:
					r.Result = append([]byte(nil), v...)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Body = r
		case fieldRPCError:
			var r RPCError
			if err := walkFields(v, func(n protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch n {
				case 1:
					r.ReqID = x
				case 2:
					r.Code = Code(x)
				case 3:
					r.Message = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Body = r
		case fieldUpdates:
			var ups Updates
			if err := walkFields(v, func(n protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if n != 1 {
					return nil
				}
				u, err := UnmarshalUpdate(v)
				if err != nil {
					return err
				}
				ups.Updates = append(ups.Updates, u)
				return nil
			}); err != nil {
				return err
			}
			m.Body = ups
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	return m, nil
}

// AppendFrame appends msg prefixed by its varint length.
func AppendFrame(dst, msg []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(msg)))
	return append(dst, msg...)
}

// SplitFrame reads one length-prefixed frame from b and returns it along
// with the remaining bytes.
func SplitFrame(b []byte) (msg, rest []byte, err error) {
	n, w := protowire.ConsumeVarint(b)
	if w < 0 {
		return nil, nil, fmt.Errorf("%w: frame length: %v", ErrMalformed, protowire.ParseError(w))
	}
	b = b[w:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("%w: frame truncated (want %d, have %d)", ErrMalformed, n, len(b))
	}
	return b[:n], b[n:], nil
}

// EncodeClient marshals and frames a client message.
func EncodeClient(m *ClientMessage) ([]byte, error) {
	b, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, b), nil
}

// DecodeClient unframes and unmarshals exactly one client message.
func DecodeClient(frame []byte) (*ClientMessage, error) {
	msg, rest, err := SplitFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return UnmarshalClientMessage(msg)
}

// EncodeServer marshals and frames a server message.
func EncodeServer(m *ServerMessage) ([]byte, error) {
	b, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, b), nil
}

// DecodeServer unframes and unmarshals exactly one server message.
func DecodeServer(frame []byte) (*ServerMessage, error) {
	msg, rest, err := SplitFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return UnmarshalServerMessage(msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, x uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, x)
}

func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
