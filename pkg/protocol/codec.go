// Package protocol implements the newline-delimited control protocol used to
// inject messages into an already-running execution. Each control line is a
// self-contained JSON record {"type": "user"|"system", "message": "..."}.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/pkg/errors"
)

// ErrInvalidMessage is the rejection error for every malformed control line.
// Callers treat rejection as a normal, loggable outcome.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a normalized, validated control record.
type Message struct {
	Type    models.MessageKind `json:"type"`
	Message string             `json:"message"`
}

// ParseLine parses one control line. The rules apply in order; any failure
// rejects the line with ErrInvalidMessage and no record is produced:
//
//  1. Blank or whitespace-only line
//  2. Not syntactically valid JSON
//  3. Missing "type" or "message" field
//  4. "type" not in {user, system}
//  5. "message" not a string, or empty after trimming
func ParseLine(line string) (Message, error) {
	if strings.TrimSpace(line) == "" {
		return Message{}, errors.Wrap(ErrInvalidMessage, "empty line")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return Message{}, errors.Wrap(ErrInvalidMessage, "malformed JSON")
	}

	rawType, ok := fields["type"]
	if !ok {
		return Message{}, errors.Wrap(ErrInvalidMessage, "missing 'type' field")
	}
	rawMsg, ok := fields["message"]
	if !ok {
		return Message{}, errors.Wrap(ErrInvalidMessage, "missing 'message' field")
	}

	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return Message{}, errors.Wrap(ErrInvalidMessage, "'type' is not a string")
	}
	var body string
	if err := json.Unmarshal(rawMsg, &body); err != nil {
		return Message{}, errors.Wrap(ErrInvalidMessage, "'message' is not a string")
	}

	return Normalize(models.MessageKind(kind), body)
}

// Normalize validates an already-split kind/body pair, applying the same
// rules ParseLine applies after JSON decoding.
func Normalize(kind models.MessageKind, body string) (Message, error) {
	if kind != models.UserMessage && kind != models.SystemMessage {
		return Message{}, errors.Wrapf(ErrInvalidMessage, "unknown type %q", string(kind))
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, errors.Wrap(ErrInvalidMessage, "empty message body")
	}
	return Message{Type: kind, Message: body}, nil
}

// EncodeLine renders a message as one wire line, newline included.
func EncodeLine(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode control line")
	}
	return append(b, '\n'), nil
}
