package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode_EnvelopeShapes(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool

		wantType string // checked only when wantErr is false
	}{
		{"command with payload", `{"type":"send_message","payload":{"session":"alpha","text":"hi"}}`, false, "send_message"},
		{"command without payload", `{"type":"list_sessions"}`, false, "list_sessions"},
		{"null payload", `{"type":"list_sessions","payload":null}`, false, "list_sessions"},
		{"missing type", `{"payload":{}}`, true, ""},
		{"not json", `not json at all`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)
		})
	}
}

func TestDecodePayload_Tolerance(t *testing.T) {
	t.Run("unknown fields ignored", func(t *testing.T) {
		env, err := Decode([]byte(
			`{"type":"send_message","payload":{"session":"alpha","text":"hi","future_field":42}}`))
		assert.NoError(t, err)

		var p SendMessagePayload
		assert.NoError(t, env.DecodePayload(&p))
		assert.Equal(t, "alpha", p.Session)
		assert.Equal(t, "hi", p.Text)
	})

	t.Run("absent fields stay zero", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"create_session","payload":{"name":"alpha"}}`))
		assert.NoError(t, err)

		var p CreateSessionPayload
		assert.NoError(t, env.DecodePayload(&p))
		assert.Equal(t, "alpha", p.Name)
		assert.Empty(t, p.Model)
		assert.Empty(t, p.Specialization)
	})

	t.Run("absent payload stays zero", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"abort_session"}`))
		assert.NoError(t, err)

		var p SessionRefPayload
		assert.NoError(t, env.DecodePayload(&p))
		assert.Empty(t, p.Name)
	})

	t.Run("null payload stays zero", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"abort_session","payload":null}`))
		assert.NoError(t, err)

		var p SessionRefPayload
		assert.NoError(t, env.DecodePayload(&p))
		assert.Empty(t, p.Name)
	})

	t.Run("malformed payload is an error", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"send_message","payload":["wrong","shape"]}`))
		assert.NoError(t, err)

		var p SendMessagePayload
		assert.Error(t, env.DecodePayload(&p))
	})
}

func TestEncode_RoundTrip(t *testing.T) {
	data, err := Encode(TypeContentDelta, ContentDeltaPayload{Session: "alpha", Text: "chunk"})
	assert.NoError(t, err)

	env, err := Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, TypeContentDelta, env.Type)

	var p ContentDeltaPayload
	assert.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "alpha", p.Session)
	assert.Equal(t, "chunk", p.Text)
}

func TestEncode_NoPayload(t *testing.T) {
	data, err := Encode(TypeSessionsList, nil)
	assert.NoError(t, err)

	env, err := Decode(data)
	assert.NoError(t, err)
	assert.Empty(t, env.Payload)
}
