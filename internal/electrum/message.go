package electrum

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// request is an outgoing call.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// wireMessage is the superset of every shape a server can send.
type wireMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// messageKind tags a decoded server message.
type messageKind int

const (
	kindResponse messageKind = iota + 1
	kindNotification
)

// message is a server message decoded exactly once.
type message struct {
	kind messageKind

	// Response fields.
	id     uint64
	result json.RawMessage
	err    *ServerError

	// Notification fields.
	method string
	params []json.RawMessage
}

// decodeMessage classifies a raw line. Anything that is neither a response
// nor a notification is a MalformedResponseError.
func decodeMessage(data []byte) (message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return message{}, &MalformedResponseError{Reason: "empty message"}
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return message{}, &MalformedResponseError{Reason: "invalid json", Err: err}
	}

	switch {
	case w.ID != nil:
		m := message{kind: kindResponse, id: *w.ID, result: w.Result}
		if w.Error != nil {
			m.err = &ServerError{Code: w.Error.Code, Message: w.Error.Message}
		}
		return m, nil
	case w.Method != "":
		m := message{kind: kindNotification, method: w.Method}
		if len(w.Params) > 0 && !bytes.Equal(w.Params, []byte("null")) {
			if err := json.Unmarshal(w.Params, &m.params); err != nil {
				return message{}, &MalformedResponseError{Method: w.Method, Reason: "params is not an array", Err: err}
			}
		}
		return m, nil
	default:
		return message{}, &MalformedResponseError{Reason: fmt.Sprintf("neither response nor notification: %.80s", data)}
	}
}

// isNull reports whether a raw result is absent or JSON null.
func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
