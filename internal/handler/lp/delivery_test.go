package lp

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

func TestParsePoll(t *testing.T) {
	q := url.Values{
		"topics":        {"cases,resources", "case:CASE-0000000A"},
		"from_sequence": {"4"},
		"cursor":        {"case:CASE-0000000A:9"},
		"wait":          {"10"},
	}
	req, wait, err := parsePoll(q, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"cases", "resources", "case:CASE-0000000A"}, req.Topics)
	require.NotNil(t, req.FromSequence)
	assert.Equal(t, uint64(4), *req.FromSequence)
	assert.Equal(t, map[string]uint64{"case:CASE-0000000A": 9}, req.Cursors)
	assert.Equal(t, 10*time.Second, wait)

	_, wait, err = parsePoll(url.Values{"topics": {"cases"}, "wait": {"5m"}}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait, "wait is capped by the server")

	for name, q := range map[string]url.Values{
		"negative sequence": {"from_sequence": {"-1"}},
		"bad cursor":        {"cursor": {"cases"}},
		"bad wait":          {"wait": {"soon"}},
	} {
		_, _, err := parsePoll(q, time.Second)
		assert.ErrorIs(t, err, model.ErrValidation, name)
	}
}
