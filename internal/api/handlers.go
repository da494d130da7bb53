package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/engine"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeNoSession         = "no_session"
	CodeNoSample          = "no_sample"
	CodeSessionActive     = "session_active"
	CodeSweepRequired     = "sweep_required"
	CodeElevationRequired = "elevation_required"
	CodeInvalidPhase      = "invalid_phase"
	CodeInvalidPolicy     = "invalid_policy"
	CodeUnsupported       = "unsupported"
	CodeUserDeclined      = "user_declined"
	CodePathResolution    = "path_resolution"
	CodeInternal          = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SweepResponse is the body of POST /v1/sweep.
type SweepResponse struct {
	Success bool              `json:"success"`
	Killed  []string          `json:"killed"`
	Report  domain.KillReport `json:"report"`
}

// GET /v1/session
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, CodeNoSession, "no session has been created")
		return
	}
	writeJSON(w, sess.State(), http.StatusOK)
}

// POST /v1/session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Create(r.Context(), s.cfg)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, sess.State(), http.StatusCreated)
}

// POST /v1/sweep. Creates a session first when none is live.
func (s *Server) postSweep(w http.ResponseWriter, r *http.Request) {
	sess, err := s.liveSession(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	report, err := sess.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrSessionState) {
			s.writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	killed := make([]string, 0, len(report.Killed))
	for _, rec := range report.Killed {
		killed = append(killed, rec.Name)
	}
	writeJSON(w, SweepResponse{
		Success: len(report.Failed) == 0,
		Killed:  killed,
		Report:  report,
	}, http.StatusOK)
}

// POST /v1/session/start
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.liveSession(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := sess.Start(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, sess.State(), http.StatusOK)
}

// POST /v1/session/stop
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, CodeNoSession, "no session has been created")
		return
	}
	if err := sess.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, sess.State(), http.StatusOK)
}

// GET /v1/risk/latest
func (s *Server) getLatestRisk(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, CodeNoSession, "no session has been created")
		return
	}
	sample, ok := sess.LatestRiskSample()
	if !ok {
		writeError(w, http.StatusNotFound, CodeNoSample, "no network risk sample yet")
		return
	}
	writeJSON(w, sample, http.StatusOK)
}

// GET /v1/risk/history
func (s *Server) getRiskHistory(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, CodeNoSession, "no session has been created")
		return
	}
	history := sess.RiskHistory()
	if history == nil {
		history = []domain.RiskSample{}
	}
	writeJSON(w, history, http.StatusOK)
}

// GET /v1/privilege
func (s *Server) getPrivilege(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Privilege().DetectPrivilegeLevel(r.Context()), http.StatusOK)
}

// POST /v1/privilege/elevate. On success the agent is replaced by its
// elevated relaunch and no response is written.
func (s *Server) postElevate(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RequestElevation(r.Context())
	if err == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var ee *domain.ElevationError
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	switch ee.Kind {
	case domain.ElevationUserDeclined:
		writeError(w, http.StatusConflict, CodeUserDeclined, err.Error())
	case domain.ElevationPathResolution:
		writeError(w, http.StatusUnprocessableEntity, CodePathResolution, err.Error())
	default:
		writeError(w, http.StatusNotImplemented, CodeUnsupported, err.Error())
	}
}

// GET /v1/host
func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Host(r.Context()), http.StatusOK)
}

// GET /v1/capture-sources
func (s *Server) getCaptureSources(w http.ResponseWriter, r *http.Request) {
	topology := s.engine.Topology()
	if topology == nil {
		writeError(w, http.StatusNotImplemented, CodeUnsupported, "capture source enumeration is not available")
		return
	}
	sources, err := topology.ListCaptureSources(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnsupported, err.Error())
		return
	}
	if sources == nil {
		sources = []domain.CaptureSource{}
	}
	writeJSON(w, sources, http.StatusOK)
}

// liveSession returns the current session, creating one if none is live.
func (s *Server) liveSession(r *http.Request) (*engine.Session, error) {
	if sess := s.engine.Current(); sess != nil && sess.Phase() != domain.PhaseStopped {
		return sess, nil
	}
	return s.engine.Create(r.Context(), s.cfg)
}

// writeDomainError maps blocking start errors to 409/422 with a code.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var pe *domain.PolicyError
	switch {
	case errors.Is(err, domain.ErrSweepRequired):
		writeError(w, http.StatusConflict, CodeSweepRequired, err.Error())
	case errors.Is(err, domain.ErrElevationRequired):
		writeError(w, http.StatusConflict, CodeElevationRequired, err.Error())
	case errors.Is(err, domain.ErrSessionActive):
		writeError(w, http.StatusConflict, CodeSessionActive, err.Error())
	case errors.Is(err, domain.ErrSessionState):
		writeError(w, http.StatusConflict, CodeInvalidPhase, err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidPolicy, err.Error())
	default:
		s.logger.Error("api request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, errorBody{Error: msg, Code: code}, status)
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// sseEventName maps an envelope to its server-sent event name.
func sseEventName(env domain.Envelope) string {
	return string(env.Type)
}

func ssePayload(env domain.Envelope) (any, error) {
	switch {
	case env.Violation != nil:
		return env.Violation, nil
	case env.Risk != nil:
		return env.Risk, nil
	default:
		return nil, fmt.Errorf("envelope %d has no payload", env.ID)
	}
}
