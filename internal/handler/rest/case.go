package rest

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/service"
)

type CaseHandler struct {
	cases  service.CaseManager
	logger *slog.Logger
}

func NewCaseHandler(cases service.CaseManager, logger *slog.Logger) *CaseHandler {
	return &CaseHandler{cases: cases, logger: logger}
}

func (h *CaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := httpsrv.DecodeJSON(r, &req); err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	in, err := req.toModel()
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	c, err := h.cases.Create(r.Context(), in, httpsrv.Actor(r))
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/case/"+c.ID)
	httpsrv.WriteJSON(w, http.StatusCreated, c)
}

func (h *CaseHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req PatchCaseRequest
	if err := httpsrv.DecodeJSON(r, &req); err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	id, actor := chi.URLParam(r, "id"), httpsrv.Actor(r)

	var (
		c   *model.EmergencyCase
		err error
	)
	if req.SeverityLevel != nil {
		c, err = h.cases.UpdateSeverity(r.Context(), id, *req.SeverityLevel, actor)
	} else {
		c, err = h.cases.Transition(r.Context(), service.TransitionRequest{
			CaseID:        id,
			Target:        *req.TargetStatus,
			Actor:         actor,
			ExpectedPrior: req.ExpectedStatus,
		})
	}
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, c)
}

func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, c)
}

func (h *CaseHandler) Assignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.cases.Assignments(r.Context(), id)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	if records == nil {
		records = []*model.AssignmentRecord{}
	}
	httpsrv.WriteJSON(w, http.StatusOK, AssignmentListResponse{CaseID: id, Items: records})
}

func (h *CaseHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseCaseFilter(r.URL.Query())
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	if err := f.Normalize(); err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	items, total, err := h.cases.List(r.Context(), f)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	if items == nil {
		items = []*model.EmergencyCase{}
	}
	httpsrv.WriteJSON(w, http.StatusOK, CaseListResponse{Items: items, Total: total, Skip: f.Skip, Limit: f.Limit})
}

// parseCaseFilter reads status (comma separated or repeated), severity,
// emergency_type, skip and limit.
func parseCaseFilter(q url.Values) (model.CaseFilter, error) {
	var f model.CaseFilter
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, model.CaseStatus(s))
			}
		}
	}
	f.Severity = model.Severity(q.Get("severity"))
	f.Type = model.EmergencyType(q.Get("emergency_type"))

	var err error
	if f.Skip, err = intParam(q, "skip"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.Validationf("%s must be an integer", name)
	}
	return n, nil
}
