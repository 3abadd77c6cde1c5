package db

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/httputil"
)

// AttachAdminRoutes mounts live SQL debugging of the bundle database and JSON
// listings of bundles and training runs under /debug/.
func (s *BundleStore) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.db.Path(), s.db.DB, &tailsql.DBOptions{
		Label: "Model bundles",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("models", "Stored model bundles (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundles, err := s.Bundles()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to list bundles: %v", err))
			return
		}
		httputil.WriteJSONOK(w, bundles)
	}))

	debug.Handle("training-runs", "Training run history (JSON, ?key=&limit=)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				httputil.BadRequest(w, "bad limit")
				return
			}
			limit = n
		}
		runs, err := s.Runs(r.URL.Query().Get("key"), limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to list training runs: %v", err))
			return
		}
		httputil.WriteJSONOK(w, runs)
	}))
	return nil
}
