package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// mountDashboards serves dashboard JSON keyed by /dashboards/<plugin>/<file>.
func mountDashboards(r chi.Router, dashboards map[string][]byte) {
	r.Get("/dashboards/{plugin}/{file}", func(w http.ResponseWriter, req *http.Request) {
		path := "/dashboards/" + chi.URLParam(req, "plugin") + "/" + chi.URLParam(req, "file")
		data, ok := dashboards[path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}
