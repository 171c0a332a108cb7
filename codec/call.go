package codec

import (
	"errors"
	"fmt"

	"bambuk-rpc/message"
)

var (
	ErrEmptyMethod   = errors.New("codec: call has no method")
	ErrReservedKey   = errors.New("codec: argument uses reserved key")
	ErrMalformedCall = errors.New("codec: malformed call")
)

// wire is the codec every call and reply goes through.
var wire Codec = GetCodec(CodecTypeJSON)

// EncodeCall flattens call into one JSON object: the arguments plus a "method" key.
func EncodeCall(call *message.Call) ([]byte, error) {
	if call == nil || call.Method == "" {
		return nil, ErrEmptyMethod
	}
	flat := make(map[string]any, len(call.Args)+1)
	for k, v := range call.Args {
		if k == message.MethodKey {
			return nil, fmt.Errorf("%w: %q", ErrReservedKey, k)
		}
		flat[k] = v
	}
	flat[message.MethodKey] = call.Method
	return wire.Encode(flat)
}

// DecodeCall parses a flat JSON object and lifts "method" out of the argument map.
// The remaining keys become the handler's keyword arguments.
func DecodeCall(data []byte) (*message.Call, error) {
	var flat map[string]any
	if err := wire.Decode(data, &flat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	if flat == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedCall)
	}
	method, ok := flat[message.MethodKey].(string)
	if !ok || method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedCall)
	}
	delete(flat, message.MethodKey)
	return message.NewCall(method, flat), nil
}

// EncodeReply encodes a handler result. Any JSON-serializable value is allowed, nil included.
func EncodeReply(v any) ([]byte, error) {
	return wire.Encode(v)
}

// DecodeReply decodes a reply into its generic JSON form
// (map[string]any, []any, string, json.Number, bool or nil).
func DecodeReply(data []byte) (any, error) {
	var v any
	if err := wire.Decode(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
