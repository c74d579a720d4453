package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/service"
)

// sourceAPI labels updates applied through the HTTP API.
const sourceAPI = "api"

type ResourceHandler struct {
	resources service.ResourceManager
}

func NewResourceHandler(resources service.ResourceManager) *ResourceHandler {
	return &ResourceHandler{resources: resources}
}

func (h *ResourceHandler) PutAmbulance(w http.ResponseWriter, r *http.Request) {
	var req AmbulanceRequest
	if err := httpsrv.DecodeJSON(r, &req); err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	u, err := req.toModel(chi.URLParam(r, "id"))
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	a, err := h.resources.UpdateAmbulance(r.Context(), u, sourceAPI)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, a)
}

func (h *ResourceHandler) PutHospital(w http.ResponseWriter, r *http.Request) {
	var req HospitalRequest
	if err := httpsrv.DecodeJSON(r, &req); err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	u, err := req.toModel(chi.URLParam(r, "id"))
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}

	hosp, err := h.resources.UpdateHospital(r.Context(), u, sourceAPI)
	if err != nil {
		httpsrv.WriteError(w, err)
		return
	}
	httpsrv.WriteJSON(w, http.StatusOK, hosp)
}

func (h *ResourceHandler) Ambulances(w http.ResponseWriter, r *http.Request) {
	httpsrv.WriteJSON(w, http.StatusOK, AmbulanceListResponse{Items: h.resources.Ambulances(r.Context())})
}

func (h *ResourceHandler) Hospitals(w http.ResponseWriter, r *http.Request) {
	httpsrv.WriteJSON(w, http.StatusOK, HospitalListResponse{Items: h.resources.Hospitals(r.Context())})
}
