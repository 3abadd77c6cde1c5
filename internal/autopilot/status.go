package autopilot

import (
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/httputil"
	"github.com/banshee-data/autopilot/internal/predict"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID      string              `json:"session_id"`
	State          State               `json:"state"`
	Corpus         string              `json:"corpus"`
	Mode           string              `json:"mode,omitempty"`
	BundleID       string              `json:"bundle_id,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	Cycles         int                 `json:"cycles"`
	Resyncs        int                 `json:"resyncs"`
	StallManeuvers int                 `json:"stall_maneuvers"`
	LastPrediction *predict.Prediction `json:"last_prediction,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		SessionID:      s.id,
		State:          s.state,
		Corpus:         s.opts.Corpus,
		StartedAt:      s.started,
		Cycles:         s.cycles,
		Resyncs:        s.resyncs,
		StallManeuvers: s.stalls,
	}
	if s.last != nil {
		p := *s.last
		st.LastPrediction = &p
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if b := s.deps.Engine.Bundle(); b != nil {
		st.Mode = string(b.Mode)
		st.BundleID = b.ID
	}
	return st
}

// AttachAdminRoutes mounts the session status and stop endpoints under
// /debug/.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("autopilot", "autopilot session status (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Status())
	})

	debug.HandleSilentFunc("autopilot/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if !s.RequestStop() {
			httputil.WriteJSONError(w, http.StatusConflict, "session not running")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"session_id": s.ID(), "status": "stop requested"})
	})
}
