package a2a

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrelay/types"
)

func TestMetadata_Accessors(t *testing.T) {
	m := Metadata{
		MetaFlowStep:      "recipe",
		MetaFlowCompleted: "true",
		MetaCorrelationID: "corr-1",
		"count":           3,
	}
	assert.Equal(t, "recipe", m.FlowStep())
	assert.True(t, m.FlowCompleted())
	assert.Equal(t, "corr-1", m.CorrelationID())
	assert.Equal(t, "", m.String("count"))

	var empty Metadata
	assert.Equal(t, "", empty.FlowStep())
	assert.False(t, empty.FlowCompleted())
}

func TestMetadata_SetIfAbsent(t *testing.T) {
	m := Metadata{"a": "x", "b": ""}
	m.SetIfAbsent("a", "y")
	m.SetIfAbsent("b", "y")
	m.SetIfAbsent("c", "z")
	assert.Equal(t, Metadata{"a": "x", "b": "y", "c": "z"}, m)
}

func TestMetadata_EnsureCorrelationID(t *testing.T) {
	m := Metadata{}
	id := m.EnsureCorrelationID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, m.EnsureCorrelationID())
}

func TestDecodeEnvelope_Normalizes(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"message":{"parts":[{"type":"text","text":"hi"}]}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, env.TaskID)
	assert.NotNil(t, env.Metadata)

	text, ok := env.Message.FirstText(MimeTextPlain)
	require.True(t, ok)
	assert.Equal(t, "hi", text)
}

func TestTaskResult_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, NewCompletedResult("t", nil).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest,
		NewFailedResult("t", types.NewError(types.ErrBadRequest, "x"), nil).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest,
		NewFailedResult("t", types.NewError(types.ErrValidationFailed, "x"), nil).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError,
		NewFailedResult("t", types.NewError(types.ErrProcessingFailed, "x"), nil).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError,
		NewFailedResult("t", nil, nil).HTTPStatus())
}

func TestTaskResult_Validate(t *testing.T) {
	assert.NoError(t, NewCompletedResult("t", nil, NewArtifact("transcription", NewTextPart("x"))).Validate())
	assert.NoError(t, NewFailedResult("t", types.NewError(types.ErrInternalError, "x"), nil).Validate())

	bad := NewFailedResult("t", types.NewError(types.ErrInternalError, "x"), nil)
	bad.Artifacts = []Artifact{NewArtifact("x", NewTextPart("y"))}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidStatus)

	working := &TaskResult{TaskID: "t", Status: TaskStatusWorking, Error: &ErrorInfo{Code: types.ErrInternalError}}
	assert.ErrorIs(t, working.Validate(), ErrInvalidStatus)

	assert.ErrorIs(t, (&TaskResult{Status: "done"}).Validate(), ErrInvalidStatus)
}

// 产物经序列化后构造下一跳信封, 再次解析得到的 JSON 载荷与原始记录一致.
func TestEnvelopeFromArtifacts_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		record := rapid.MapOf(
			rapid.StringMatching(`[a-z_]{1,12}`),
			rapid.String(),
		).Draw(t, "record")
		text := rapid.String().Draw(t, "text")

		artifact := NewArtifact("recipe_data", MustDataPart(record), NewTextPart("t"+text))
		result := NewCompletedResult("hop-1", Metadata{MetaFlowStep: "recipe"}, artifact)

		raw, err := json.Marshal(result)
		require.NoError(t, err)

		var received TaskResult
		require.NoError(t, json.Unmarshal(raw, &received))

		next := EnvelopeFromArtifacts("", received.Metadata, received.Artifacts...)
		wire, err := json.Marshal(next)
		require.NoError(t, err)

		parsed, err := DecodeEnvelope(wire)
		require.NoError(t, err)

		got, ok := parsed.Message.FirstObject()
		require.True(t, ok)

		want := make(map[string]any, len(record))
		for k, v := range record {
			want[k] = v
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("payload changed across hops (-want +got):\n%s", diff)
		}

		gotText, ok := parsed.Message.FirstText(MimeTextPlain)
		require.True(t, ok)
		assert.Equal(t, "t"+text, gotText)
		assert.Equal(t, "recipe", parsed.Metadata.FlowStep())
	})
}
