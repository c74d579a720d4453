package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/handler/rest"
)

func newTestServer(t *testing.T, cases []*model.EmergencyCase) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cases", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open,dispatched", r.URL.Query().Get("status"))
		assert.Equal(t, "ops-7", r.Header.Get(httpsrv.HeaderActorID))

		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := min(skip+limit, len(cases))
		if skip > end {
			skip = end
		}
		httpsrv.WriteJSON(w, http.StatusOK, rest.CaseListResponse{
			Items: cases[skip:end],
			Total: len(cases),
			Skip:  skip,
			Limit: limit,
		})
	})
	mux.HandleFunc("/v1/case/", func(w http.ResponseWriter, r *http.Request) {
		httpsrv.WriteError(w, model.NotFoundf("case %s not found", r.URL.Path))
	})
	mux.HandleFunc("/debug/hub", func(w http.ResponseWriter, _ *http.Request) {
		httpsrv.WriteJSON(w, http.StatusOK, model.HubStats{TotalTopics: 3, Published: 42})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_AllCasesPages(t *testing.T) {
	cases := make([]*model.EmergencyCase, 250)
	for i := range cases {
		cases[i] = &model.EmergencyCase{ID: "case-" + strconv.Itoa(i), Status: model.StatusOpen}
	}
	srv := newTestServer(t, cases)
	c := New(srv.URL, "ops-7", time.Second)

	got, err := c.AllCases(context.Background(), []model.CaseStatus{model.StatusOpen, model.StatusDispatched})
	require.NoError(t, err)
	require.Len(t, got, 250)
	assert.Equal(t, "case-0", got[0].ID)
	assert.Equal(t, "case-249", got[249].ID)
}

func TestClient_ErrorUnwrapsToKind(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(srv.URL, "ops-7", time.Second)

	_, err := c.Case(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_HubStats(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(srv.URL, "ops-7", time.Second)

	stats, err := c.HubStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTopics)
	assert.EqualValues(t, 42, stats.Published)
}
