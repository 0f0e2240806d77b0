package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var requiredFields = map[string][]string{
	TypeConnected:       {"agent", "status", "context_remaining"},
	TypeMessageStream:   {"reply_to", "delta"},
	TypeMessageComplete: {"reply_to", "id", "content", "timestamp"},
	TypeTaskCreated:     {"task_id", "title", "status", "progress", "steps"},
	TypeTaskUpdated:     {"task_id", "progress", "steps"},
	TypeTaskCompleted:   {"task_id", "progress", "result"},
	TypeStatusUpdate:    {"status", "context_remaining"},
}

// Parse is the silent form of Decode: any failure yields (nil, false).
func Parse(data []byte) (Event, bool) {
	ev, err := Decode(data)
	if err != nil {
		return nil, false
	}
	return ev, true
}

// Decode reads the type discriminator and then strictly decodes only that
// variant. A partially valid frame never produces an event.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidEvent)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: frame is not an object", ErrInvalidEvent)
	}
	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String {
		return nil, ErrMissingType
	}
	fields, ok := requiredFields[typ.Str]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
	}
	for _, field := range fields {
		v := root.Get(field)
		if !v.Exists() || v.Type == gjson.Null {
			return nil, fmt.Errorf("%w: %s missing %s", ErrInvalidEvent, typ.Str, field)
		}
	}
	if typ.Str == TypeTaskCreated || typ.Str == TypeTaskUpdated {
		if err := validateSteps(typ.Str, root.Get("steps")); err != nil {
			return nil, err
		}
	}

	switch typ.Str {
	case TypeConnected:
		return decodeAs[Connected](typ.Str, data)
	case TypeMessageStream:
		return decodeAs[MessageStream](typ.Str, data)
	case TypeMessageComplete:
		return decodeAs[MessageComplete](typ.Str, data)
	case TypeTaskCreated:
		return decodeAs[TaskCreated](typ.Str, data)
	case TypeTaskUpdated:
		return decodeAs[TaskUpdated](typ.Str, data)
	case TypeTaskCompleted:
		return decodeAs[TaskCompleted](typ.Str, data)
	case TypeStatusUpdate:
		return decodeAs[StatusUpdate](typ.Str, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
	}
}

func decodeAs[T Event](typ string, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, typ, err)
	}
	return ev, nil
}

func validateSteps(typ string, steps gjson.Result) error {
	if !steps.IsArray() {
		return fmt.Errorf("%w: %s steps is not an array", ErrInvalidEvent, typ)
	}
	var err error
	steps.ForEach(func(_, step gjson.Result) bool {
		for _, field := range []string{"name", "status"} {
			v := step.Get(field)
			if !v.Exists() || v.Type == gjson.Null {
				err = fmt.Errorf("%w: %s step missing %s", ErrInvalidEvent, typ, field)
				return false
			}
		}
		return true
	})
	return err
}

// Encode writes a server event with its discriminator. The fake server and
// tests use it to produce frames the client decodes. Nil task steps are
// written as an empty array.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	switch e := ev.(type) {
	case TaskCreated:
		if e.Steps == nil {
			e.Steps = []StepPayload{}
		}
		ev = e
	case TaskUpdated:
		if e.Steps == nil {
			e.Steps = []StepPayload{}
		}
		ev = e
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	body, err = sjson.SetBytes(body, "type", ev.Type())
	if err != nil {
		return nil, fmt.Errorf("set type on %s: %w", ev.Type(), err)
	}
	return body, nil
}

// EncodeSend builds the outbound message.send frame.
func EncodeSend(id, content string) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: message.send id is required", ErrInvalidEvent)
	}
	body, err := json.Marshal(MessageSend{Type: TypeMessageSend, ID: id, Content: content})
	if err != nil {
		return nil, fmt.Errorf("marshal message.send: %w", err)
	}
	return body, nil
}

// DecodeSend is the server-side counterpart of EncodeSend.
func DecodeSend(data []byte) (MessageSend, error) {
	if !gjson.ValidBytes(data) {
		return MessageSend{}, fmt.Errorf("%w: malformed json", ErrInvalidEvent)
	}
	root := gjson.ParseBytes(data)
	if typ := root.Get("type"); typ.Str != TypeMessageSend {
		return MessageSend{}, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
	}
	for _, field := range []string{"id", "content"} {
		if v := root.Get(field); !v.Exists() || v.Type != gjson.String {
			return MessageSend{}, fmt.Errorf("%w: message.send missing %s", ErrInvalidEvent, field)
		}
	}
	var msg MessageSend
	if err := json.Unmarshal(data, &msg); err != nil {
		return MessageSend{}, fmt.Errorf("%w: decode message.send: %v", ErrInvalidEvent, err)
	}
	return msg, nil
}
