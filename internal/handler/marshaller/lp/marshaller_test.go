package lpmarshaller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

func TestMarshallEvents_AdvancesCursors(t *testing.T) {
	c := &model.EmergencyCase{ID: "CASE-1", Status: model.StatusOpen}
	ch := event.NewCaseChange(event.CaseCreated, c, "", "dispatcher")
	events := []event.Eventer{
		event.NewEnvelope(ch, event.TopicCases, 11),
		event.NewEnvelope(ch, event.TopicCases, 12),
	}
	cursors := map[string]uint64{"cases": 10, "resources": 3}

	raw, err := MarshallEvents(events, nil, cursors)
	require.NoError(t, err)

	var res Response
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Len(t, res.Events, 2)
	assert.Equal(t, map[string]uint64{"cases": 12, "resources": 3}, res.Cursors)
	assert.EqualValues(t, 10, cursors["cases"], "input cursors are not modified")
}

func TestMarshallEvents_Empty(t *testing.T) {
	raw, err := MarshallEvents(nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[],"cursors":{}}`, string(raw))
}
