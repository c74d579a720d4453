package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shivay/dispatch-service/infra/observability"
	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/handler/lp"
	"github.com/shivay/dispatch-service/internal/handler/ws"
	"github.com/shivay/dispatch-service/internal/service"
)

type RouterParams struct {
	Cases     *CaseHandler
	Resources *ResourceHandler
	WS        *ws.WSHandler
	LP        *lp.LPHandler
	Deliverer service.Deliverer
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		httpsrv.RequestLogger(p.Logger),
		middleware.Recoverer,
	)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/case", p.Cases.Create)
		r.Route("/case/{id}", func(r chi.Router) {
			r.Get("/", p.Cases.Get)
			r.Patch("/", p.Cases.Patch)
			r.Get("/assignments", p.Cases.Assignments)
		})
		r.Get("/cases", p.Cases.List)

		r.Route("/resource", func(r chi.Router) {
			r.Put("/ambulance/{id}", p.Resources.PutAmbulance)
			r.Put("/hospital/{id}", p.Resources.PutHospital)
			r.Get("/ambulances", p.Resources.Ambulances)
			r.Get("/hospitals", p.Resources.Hospitals)
		})

		// [SUBSCRIPTIONS]
		r.Handle("/subscribe", p.WS)
		r.Get("/events", p.LP.Poll)
	})

	r.Get("/debug/hub", func(w http.ResponseWriter, _ *http.Request) {
		httpsrv.WriteJSON(w, http.StatusOK, p.Deliverer.Stats())
	})
	r.Handle("/metrics", p.Metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpsrv.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpsrv.WriteJSON(w, http.StatusNotFound, httpsrv.ErrorBody{Error: "not_found", Message: "no route for " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpsrv.WriteJSON(w, http.StatusMethodNotAllowed, httpsrv.ErrorBody{Error: "method_not_allowed", Message: r.Method + " " + r.URL.Path})
	})
	return r
}
