package wsmarshaller

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// ClientFrame is a command sent by an observer over the socket.
type ClientFrame struct {
	Type         string            `json:"type"`
	Topics       []string          `json:"topics"`
	FromSequence *uint64           `json:"from_sequence,omitempty"`
	Cursors      map[string]uint64 `json:"cursors,omitempty"`
}

// ErrorFrame reports a rejected command without closing the socket.
type ErrorFrame struct {
	Event   string `json:"event"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DecodeClientFrame parses a command strictly; unknown fields and unknown
// command types are validation errors.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f ClientFrame
	if err := dec.Decode(&f); err != nil {
		return nil, model.Validationf("malformed frame: %v", err)
	}
	switch f.Type {
	case CommandSubscribe, CommandUnsubscribe:
	default:
		return nil, model.Validationf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

func MarshallError(err error) []byte {
	code := "internal"
	if kind := model.KindOf(err); kind != nil {
		code = kind.Error()
	}
	data, mErr := json.Marshal(ErrorFrame{Event: "error", Error: code, Message: err.Error()})
	if mErr != nil {
		return []byte(fmt.Sprintf(`{"event":"error","error":%q}`, code))
	}
	return data
}
