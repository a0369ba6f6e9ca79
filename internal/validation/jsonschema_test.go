package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/pkg/schema"
)

const videoSchema = `{
  "type": "object",
  "required": ["videoId"],
  "properties": {
    "videoId": {"type": "string", "minLength": 1},
    "publishedAt": {"type": "string", "format": "date-time"}
  }
}`

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateEvent_Valid(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateEvent("ev-1", "media/video.discovered", json.RawMessage(`{"videoId":"abc123"}`))
	assert.True(t, res.Valid(), "%+v", res.Errors)
}

func TestValidateEvent_EmptyDataIsObject(t *testing.T) {
	v := newValidator(t)
	assert.True(t, v.ValidateEvent("", "cron/sweep-channels", nil).Valid())
}

func TestValidateEvent_MissingName(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateEvent("", "", json.RawMessage(`{}`))
	require.False(t, res.Valid())
	assert.Equal(t, "name", res.Errors[0].Path)
}

func TestValidateEvent_BadNames(t *testing.T) {
	v := newValidator(t)
	for _, name := range []string{"novideo", "Media/Video", "media/", "/video", "media video/x"} {
		t.Run(name, func(t *testing.T) {
			res := v.ValidateEvent("", name, json.RawMessage(`{}`))
			require.False(t, res.Valid())
			assert.Equal(t, "name", res.Errors[0].Path)
		})
	}
}

func TestValidateEvent_DataMustBeObject(t *testing.T) {
	v := newValidator(t)

	res := v.ValidateEvent("", "media/video.discovered", json.RawMessage(`[1,2]`))
	require.False(t, res.Valid())
	assert.Equal(t, "data", res.Errors[0].Path)

	res = v.ValidateEvent("", "media/video.discovered", json.RawMessage(`{not json`))
	require.False(t, res.Valid())
	assert.Equal(t, "data", res.Errors[0].Path)
	assert.Equal(t, "data is not valid JSON", res.Errors[0].Message)
}

func TestValidateEvent_PayloadSchema(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.RegisterPayloadSchema("media/video.discovered", []byte(videoSchema)))
	assert.True(t, v.HasPayloadSchema("media/video.discovered"))
	assert.False(t, v.HasPayloadSchema("media/episode.discovered"))

	res := v.ValidateEvent("", "media/video.discovered", json.RawMessage(`{"title":"x"}`))
	require.False(t, res.Valid())
	assert.Equal(t, "data.videoId", res.Errors[0].Path)

	res = v.ValidateEvent("", "media/video.discovered", json.RawMessage(`{"videoId":"a","publishedAt":"yesterday"}`))
	require.False(t, res.Valid())
	assert.Equal(t, "data.publishedAt", res.Errors[0].Path)

	res = v.ValidateEvent("", "media/episode.discovered", json.RawMessage(`{"title":"x"}`))
	assert.True(t, res.Valid(), "names without a schema only get the envelope check")

	err := res.ToError()
	assert.NoError(t, err)
}

func TestRegisterPayloadSchema_Invalid(t *testing.T) {
	v := newValidator(t)
	err := v.RegisterPayloadSchema("media/x", []byte(`{"type": 12}`))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.RegisterPayloadSchema("media/x", []byte(`{not json`))
	require.Error(t, err)
}
