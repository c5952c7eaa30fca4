package protocol_test

import (
	"strings"
	"testing"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	t.Run("ValidUserMessage", func(t *testing.T) {
		msg, err := protocol.ParseLine(`{"type":"user","message":"keep going"}`)
		assert.NoError(t, err)
		assert.Equal(t, models.UserMessage, msg.Type)
		assert.Equal(t, "keep going", msg.Message)
	})

	t.Run("ValidSystemMessage", func(t *testing.T) {
		msg, err := protocol.ParseLine(`{"type":"system","message":"halt after this step"}`)
		assert.NoError(t, err)
		assert.Equal(t, models.SystemMessage, msg.Type)
	})

	t.Run("TrimsBody", func(t *testing.T) {
		msg, err := protocol.ParseLine(`{"type":"user","message":"  padded  "}`)
		assert.NoError(t, err)
		assert.Equal(t, "padded", msg.Message)
	})

	t.Run("UnknownFieldsIgnored", func(t *testing.T) {
		msg, err := protocol.ParseLine(`{"type":"user","message":"hi","extra":42}`)
		assert.NoError(t, err)
		assert.Equal(t, "hi", msg.Message)
	})

	rejections := []struct {
		name   string
		line   string
		reason string
	}{
		{"EmptyLine", "", "empty line"},
		{"WhitespaceOnly", "   \t ", "empty line"},
		{"MalformedJSON", `{"type":"user"`, "malformed JSON"},
		{"NotAnObject", `"just a string"`, "malformed JSON"},
		{"MissingType", `{"message":"hi"}`, "missing 'type' field"},
		{"MissingMessage", `{"type":"user"}`, "missing 'message' field"},
		{"TypeNotString", `{"type":1,"message":"hi"}`, "'type' is not a string"},
		{"UnknownType", `{"type":"admin","message":"hi"}`, `unknown type "admin"`},
		{"MessageNotString", `{"type":"user","message":["hi"]}`, "'message' is not a string"},
		{"EmptyBody", `{"type":"user","message":""}`, "empty message body"},
		{"WhitespaceBody", `{"type":"user","message":"   "}`, "empty message body"},
	}
	for _, tc := range rejections {
		t.Run("Rejects"+tc.name, func(t *testing.T) {
			_, err := protocol.ParseLine(tc.line)
			assert.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrInvalidMessage))
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		msg, err := protocol.Normalize(models.SystemMessage, " status report ")
		assert.NoError(t, err)
		assert.Equal(t, "status report", msg.Message)
	})

	t.Run("RejectsUnknownKind", func(t *testing.T) {
		_, err := protocol.Normalize(models.MessageKind("bot"), "hi")
		assert.True(t, errors.Is(err, protocol.ErrInvalidMessage))
	})

	t.Run("RejectsEmptyBody", func(t *testing.T) {
		_, err := protocol.Normalize(models.UserMessage, "  ")
		assert.True(t, errors.Is(err, protocol.ErrInvalidMessage))
	})
}

func TestEncodeLine(t *testing.T) {
	line, err := protocol.EncodeLine(protocol.Message{Type: models.UserMessage, Message: "hello"})
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))

	// Encoded lines parse back to the same record
	msg, err := protocol.ParseLine(strings.TrimSuffix(string(line), "\n"))
	assert.NoError(t, err)
	assert.Equal(t, models.UserMessage, msg.Type)
	assert.Equal(t, "hello", msg.Message)
}
