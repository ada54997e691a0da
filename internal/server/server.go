// Package server exposes the check-in HTTP API: transcript analysis,
// check-in history, alert acknowledgement, elder registration, avatar
// session minting and billing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/avatar"
	"github.com/sunny-voice-lab/internal/checkin"
	"github.com/sunny-voice-lab/internal/config"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/metrics"
	"github.com/sunny-voice-lab/internal/session"
)

// Store is the persistence surface the handlers need. *checkin.Store
// satisfies it; tests substitute a fake.
type Store interface {
	Persist(ctx context.Context, elderID string, result *session.CallResult) (string, error)
	ListCheckins(ctx context.Context, elderID string, limit int) ([]checkin.Record, error)
	ListAlerts(ctx context.Context, elderID string, unackedOnly bool) ([]checkin.AlertRow, error)
	AckAlert(ctx context.Context, alertID string) (checkin.AlertRow, error)
	CreateElder(ctx context.Context, e checkin.Elder) (checkin.Elder, error)
	ListElders(ctx context.Context, userID string) ([]checkin.Elder, error)
	UpsertSubscription(ctx context.Context, sub checkin.Subscription) error
	DowngradeSubscription(ctx context.Context, userID string) error
}

// Server wires the HTTP API. Store and Avatar may be nil; the matching
// routes then answer 503.
type Server struct {
	cfg     *config.Config
	store   Store
	avatar  *avatar.Client
	metrics *metrics.Metrics
	auth    *authenticator
	mux     *http.ServeMux
}

// New builds the server and its route table.
func New(cfg *config.Config, store Store, av *avatar.Client, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		avatar:  av,
		metrics: m,
		auth:    newAuthenticator(cfg.WorkOSAPIKey),
		mux:     http.NewServeMux(),
	}
	initBilling(cfg.StripeAPIKey)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealthz))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/analyze", s.instrument("analyze", s.handleAnalyze))
	s.mux.HandleFunc("GET /api/checkins", s.instrument("checkins", s.authed(s.handleListCheckins)))
	s.mux.HandleFunc("GET /api/alerts", s.instrument("alerts", s.authed(s.handleListAlerts)))
	s.mux.HandleFunc("POST /api/alerts/{id}/ack", s.instrument("alert_ack", s.authed(s.handleAckAlert)))
	s.mux.HandleFunc("POST /api/elders", s.instrument("elders", s.authed(s.handleCreateElder)))
	s.mux.HandleFunc("GET /api/elders", s.instrument("elders", s.authed(s.handleListElders)))
	s.mux.HandleFunc("POST /api/avatar-session", s.instrument("avatar_session", s.authed(s.handleAvatarSession)))
	s.mux.HandleFunc("POST /api/billing/checkout", s.instrument("billing_checkout", s.authed(s.handleCheckout)))
	s.mux.HandleFunc("POST /api/webhooks/stripe", s.instrument("stripe_webhook", s.handleStripeWebhook))
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

// analyzeRequest is the wire shape posted by call clients after a session
// ends.
type analyzeRequest struct {
	Transcript      []analysis.Message `json:"transcript"`
	ElderID         string             `json:"elderId"`
	DurationSeconds int                `json:"durationSeconds"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	texts := make([]string, 0, len(req.Transcript))
	utterances := make([]session.Utterance, 0, len(req.Transcript))
	for _, m := range req.Transcript {
		texts = append(texts, m.Content)
		utterances = append(utterances, session.Utterance{Speaker: session.Speaker(m.Role), Text: m.Content})
	}

	result := analysis.Analyze(texts)

	if s.store != nil {
		call := &session.CallResult{
			Transcript:      utterances,
			DurationSeconds: req.DurationSeconds,
			WellnessScore:   result.WellnessScore,
			Alerts:          result.Alerts,
			Summary:         result.Summary,
		}
		id, err := s.store.Persist(r.Context(), req.ElderID, call)
		if err != nil {
			// scoring still answers; persistence is best-effort here too
			logging.Warnw("server: analyze persist failed", "err", err, "elder.id", req.ElderID)
			if s.metrics != nil {
				s.metrics.StoreFailures.Inc()
			}
		} else {
			result.CheckinID = id
			if s.metrics != nil {
				s.metrics.CheckinsStored.Inc()
			}
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCheckins(w http.ResponseWriter, r *http.Request, user string) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.store.ListCheckins(r.Context(), r.URL.Query().Get("elderId"), limit)
	if err != nil {
		logging.Errorw("server: list checkins", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list check-ins")
		return
	}
	if records == nil {
		records = []checkin.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": records})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, user string) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	unacked := r.URL.Query().Get("unacked") == "true"
	alerts, err := s.store.ListAlerts(r.Context(), r.URL.Query().Get("elderId"), unacked)
	if err != nil {
		logging.Errorw("server: list alerts", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list alerts")
		return
	}
	if alerts == nil {
		alerts = []checkin.AlertRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request, user string) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	alert, err := s.store.AckAlert(r.Context(), r.PathValue("id"))
	if errors.Is(err, checkin.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		logging.Errorw("server: ack alert", "err", err, "alert.id", r.PathValue("id"))
		writeError(w, http.StatusInternalServerError, "could not acknowledge alert")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleCreateElder(w http.ResponseWriter, r *http.Request, user string) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	var e checkin.Elder
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if e.Name == "" || e.FamilyName == "" || e.FamilyEmail == "" {
		writeError(w, http.StatusBadRequest, "name, familyName and familyEmail are required")
		return
	}
	e.UserID = user
	created, err := s.store.CreateElder(r.Context(), e)
	if err != nil {
		logging.Errorw("server: create elder", "err", err)
		writeError(w, http.StatusInternalServerError, "could not register elder")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListElders(w http.ResponseWriter, r *http.Request, user string) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	elders, err := s.store.ListElders(r.Context(), user)
	if err != nil {
		logging.Errorw("server: list elders", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list elders")
		return
	}
	if elders == nil {
		elders = []checkin.Elder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"elders": elders})
}

func (s *Server) handleAvatarSession(w http.ResponseWriter, r *http.Request, user string) {
	if s.avatar == nil || s.cfg.AvatarID == "" || s.cfg.AgentID == "" {
		writeError(w, http.StatusServiceUnavailable, "avatar not configured")
		return
	}
	token, err := s.avatar.MintSession(r.Context(), s.cfg.AvatarID)
	if err != nil {
		logging.Errorw("server: avatar session", "err", err)
		writeError(w, http.StatusBadGateway, "could not create avatar session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"avatarSessionToken": token,
		"agentId":            s.cfg.AgentID,
	})
}

// instrument counts the request by route and final status.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugw("server: response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
