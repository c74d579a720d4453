package wsmarshaller

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

func TestDecodeClientFrame(t *testing.T) {
	f, err := DecodeClientFrame([]byte(`{"type":"subscribe","topics":["cases"],"from_sequence":4}`))
	require.NoError(t, err)
	assert.Equal(t, CommandSubscribe, f.Type)
	assert.Equal(t, []string{"cases"}, f.Topics)
	require.NotNil(t, f.FromSequence)
	assert.EqualValues(t, 4, *f.FromSequence)

	for _, bad := range []string{
		`{"type":"publish","topics":["cases"]}`,
		`{"type":"subscribe","topics":["cases"],"extra":1}`,
		`not json`,
	} {
		_, err := DecodeClientFrame([]byte(bad))
		assert.ErrorIs(t, err, model.ErrValidation, bad)
	}
}

func TestMarshallError(t *testing.T) {
	var frame ErrorFrame
	require.NoError(t, json.Unmarshal(MarshallError(model.NotFoundf("case CASE-9")), &frame))
	assert.Equal(t, "error", frame.Event)
	assert.Equal(t, "not_found", frame.Error)
	assert.Contains(t, frame.Message, "CASE-9")

	require.NoError(t, json.Unmarshal(MarshallError(errors.New("boom")), &frame))
	assert.Equal(t, "internal", frame.Error)
}
