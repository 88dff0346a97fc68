// Package frame implements the newline-delimited JSON-RPC framing used by the
// codex app-server: splitting a byte stream into lines, decoding and classifying
// each line, and encoding outgoing messages.
package frame

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a decoded wire message
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one decoded line from the peer.
// Only the fields relevant to Kind are populated; Raw always holds the original line.
type Message struct {
	Kind   Kind
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
	Raw    json.RawMessage
}

// Error is the payload of an ErrorResponse. It is returned to callers verbatim.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Classify derives the message kind from which top-level fields are present.
//
//	id + method -> Request
//	method      -> Notification
//	id + result -> Response
//	id + error  -> ErrorResponse
//
// Anything else, including a non-integer id, is Unknown.
func Classify(obj map[string]json.RawMessage) Kind {
	_, hasMethod := obj["method"]
	rawID, hasID := obj["id"]
	if hasID && isNull(rawID) {
		hasID = false
	}
	if hasID {
		if _, ok := parseID(rawID); !ok {
			return KindUnknown
		}
	}

	switch {
	case hasID && hasMethod:
		return KindRequest
	case hasMethod:
		return KindNotification
	case hasID:
		if _, ok := obj["result"]; ok {
			return KindResponse
		}
		if _, ok := obj["error"]; ok {
			return KindError
		}
	}
	return KindUnknown
}

// fromObject builds a Message from an already-parsed JSON object
func fromObject(obj map[string]json.RawMessage, raw []byte) Message {
	msg := Message{
		Kind: Classify(obj),
		Raw:  json.RawMessage(raw),
	}

	if rawID, ok := obj["id"]; ok {
		msg.ID, _ = parseID(rawID)
	}

	switch msg.Kind {
	case KindRequest, KindNotification:
		if err := json.Unmarshal(obj["method"], &msg.Method); err != nil {
			// method must be a string
			msg.Kind = KindUnknown
			return msg
		}
		msg.Params = obj["params"]

	case KindResponse:
		msg.Result = obj["result"]

	case KindError:
		var rpcErr Error
		if err := json.Unmarshal(obj["error"], &rpcErr); err != nil {
			// Keep the payload even when it does not match the usual shape
			rpcErr = Error{Message: string(obj["error"])}
		}
		if rpcErr.Message == "" && rpcErr.Code == 0 {
			rpcErr.Message = string(obj["error"])
		}
		msg.Error = &rpcErr
	}

	return msg
}

func parseID(raw json.RawMessage) (int64, bool) {
	// json.Number also accepts quoted numbers, which are not valid ids here
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	var id json.Number
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	n, err := id.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
