package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned by DecodeLine when a line is valid JSON but not an object
var ErrNotObject = errors.New("frame: line is not a JSON object")

// SplitLines appends chunk to buffer and returns every complete line plus the
// trailing incomplete fragment. Line terminators are "\n" with an optional
// preceding "\r"; blank lines are skipped.
//
// Only chunk is scanned for terminators, so repeatedly feeding small chunks of a
// long line stays linear.
func SplitLines(buffer, chunk []byte) (lines [][]byte, remainder []byte) {
	if bytes.IndexByte(chunk, '\n') < 0 {
		return nil, append(buffer, chunk...)
	}

	data := append(buffer, chunk...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte{'\r'})
		data = data[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// Copy so callers can keep lines after the buffer is reused
		lines = append(lines, bytes.Clone(line))
	}

	if len(data) == 0 {
		return lines, nil
	}
	return lines, bytes.Clone(data)
}

// DecodeLine parses a single line into a classified Message.
// Lines that are not JSON objects return an error and must be dropped by the caller.
func DecodeLine(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return Message{}, fmt.Errorf("frame: invalid JSON: %w", err)
		}
		// Valid JSON of another type (array, string, number)
		return Message{}, ErrNotObject
	}
	if obj == nil {
		// literal null
		return Message{}, ErrNotObject
	}

	return fromObject(obj, bytes.Clone(line)), nil
}

// DecodeLines frames chunk against buffer and decodes every complete line.
// Lines that fail to decode are returned in nonJSON instead of failing the call.
func DecodeLines(buffer, chunk []byte) (messages []Message, remainder []byte, nonJSON [][]byte) {
	lines, remainder := SplitLines(buffer, chunk)
	for _, line := range lines {
		msg, err := DecodeLine(line)
		if err != nil {
			nonJSON = append(nonJSON, line)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, remainder, nonJSON
}

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

type errorResponse struct {
	ID    int64  `json:"id"`
	Error *Error `json:"error"`
}

// EncodeRequest serializes a Request. Empty params are omitted.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	p, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return encode(request{ID: id, Method: method, Params: p})
}

// EncodeNotification serializes a Notification. Empty params are omitted.
func EncodeNotification(method string, params any) ([]byte, error) {
	p, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return encode(notification{Method: method, Params: p})
}

// EncodeResponse serializes a Response to a server-initiated request. A
// response always carries a result; an empty one is sent as {}.
func EncodeResponse(id int64, result any) ([]byte, error) {
	r, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("encode result for %d: %w", id, err)
	}
	if r == nil {
		r = json.RawMessage("{}")
	}
	return encode(response{ID: id, Result: r})
}

// EncodeErrorResponse serializes an ErrorResponse to a server-initiated request.
func EncodeErrorResponse(id int64, rpcErr *Error) ([]byte, error) {
	if rpcErr == nil {
		return nil, fmt.Errorf("encode error response for %d: nil error", id)
	}
	return encode(errorResponse{ID: id, Error: rpcErr})
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// marshalOptional returns nil for values that should not appear on the wire:
// nil, JSON null, and empty objects or arrays.
func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}

	var data []byte
	switch val := v.(type) {
	case json.RawMessage:
		data = val
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	return json.RawMessage(trimmed), nil
}
