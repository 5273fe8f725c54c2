package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/trialrules/audit"
	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/internal/metrics"
	"github.com/liamcoop/trialrules/rules"
	"github.com/liamcoop/trialrules/scheduler"
	"github.com/liamcoop/trialrules/store"
	"github.com/liamcoop/trialrules/study"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Actor headers set by the authenticating proxy in front of the admin API
const (
	headerActorName = "X-Actor-Name"
	headerActorPK   = "X-Actor-Pk"
	headerActorKind = "X-Actor-Kind"
)

type Server struct {
	app    *App
	actors audit.ActorResolver
	router *chi.Mux
}

func NewServer(app *App) *Server {
	s := &Server{app: app, actors: audit.ContextResolver{}}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(actorFromHeaders)

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/crons", s.handleListCrons)
		r.Post("/crons/{cronId}/run", s.handleRunCron)
		r.Post("/tasks/{task}/run", s.handleRunTask)
		r.Post("/study/reload", s.handleReloadStudy)

		r.Route("/scopes/{scopePk}/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/{workflowId}/actions/{actionId}", s.handleWorkflowAction)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request and counts it by route pattern
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, status)
		logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// actorFromHeaders attaches the calling actor to the request context.
// Requests without X-Actor-Name run as SYSTEM.
func actorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(headerActorName)
		if name == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := &audit.Actor{Name: name, Kind: audit.ActorUser}
		if kind := r.Header.Get(headerActorKind); kind != "" {
			actor.Kind = audit.ActorKind(kind)
			if actor.Kind != audit.ActorUser && actor.Kind != audit.ActorRobot {
				respondError(w, http.StatusBadRequest, "invalid actor kind", nil)
				return
			}
		}
		if pk := r.Header.Get(headerActorPK); pk != "" {
			v, err := strconv.ParseInt(pk, 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid actor pk", err)
				return
			}
			actor.PK = v
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

func (s *Server) actor(ctx context.Context) *audit.Actor {
	actor, _ := s.actors.CurrentActor(ctx)
	return actor
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.app.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error(), Version: version})
			return
		}
	}
	st, err := s.app.Studies.Study()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error(), Version: version})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Study: st.ID, Version: version})
}

func (s *Server) handleListCrons(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Studies.Study()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "study unavailable", err)
		return
	}
	lastRuns, err := s.app.Scheduler.LastRuns()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "study unavailable", err)
		return
	}

	resp := CronsListResponse{Crons: make([]CronResponse, 0, len(st.Crons))}
	for i := range st.Crons {
		c := &st.Crons[i]
		cr := CronResponse{
			ID:          c.ID,
			Description: c.Description,
			Interval:    c.Interval,
			Periodic:    c.Periodic(),
			LastRun:     lastRuns[c.ID],
			Rules:       len(c.Rules),
		}
		if c.IntervalUnit != nil {
			cr.IntervalUnit = string(*c.IntervalUnit)
		}
		if cr.LastRun != nil {
			if next, err := c.NextRun(*cr.LastRun); err == nil {
				cr.NextRun = &next
			}
		}
		resp.Crons = append(resp.Crons, cr)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunCron(w http.ResponseWriter, r *http.Request) {
	cronID := chi.URLParam(r, "cronId")

	run, err := s.app.Scheduler.RunCron(r.Context(), cronID, s.actor(r.Context()))
	if err != nil {
		if study.IsConfigError(err) {
			respondError(w, http.StatusNotFound, "cron not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "cron run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	start := time.Now()

	err := s.app.Runner.RunNow(r.Context(), task)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		respondError(w, http.StatusNotFound, "task not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task failed", err)
		return
	}
	respondJSON(w, http.StatusOK, TaskRunResponse{Task: task, Status: "done", Duration: time.Since(start).String()})
}

func (s *Server) handleReloadStudy(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Studies.Reload()
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "study reload failed", err)
		return
	}
	logger.Info("study reloaded", "study", st.ID, "by", s.actorName(r.Context()))
	respondJSON(w, http.StatusOK, ReloadResponse{Study: st.ID, LoadedAt: s.app.Studies.LoadedAt()})
}

func (s *Server) actorName(ctx context.Context) string {
	if actor := s.actor(ctx); actor != nil {
		return actor.Name
	}
	return audit.SystemName
}

// loadScope fetches the scope named by the scopePk URL parameter, writing
// the error response itself when it fails
func (s *Server) loadScope(w http.ResponseWriter, r *http.Request) (*store.Scope, bool) {
	pk, err := strconv.ParseInt(chi.URLParam(r, "scopePk"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid scope pk", err)
		return nil, false
	}
	var sc *store.Scope
	err = s.app.Store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		sc, err = s.app.Scopes.Get(r.Context(), tx, pk)
		return err
	})
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, "scope not found", err)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load scope", err)
		return nil, false
	}
	return sc, true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadScope(w, r)
	if !ok {
		return
	}
	st, err := s.app.Studies.Study()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "study unavailable", err)
		return
	}

	resp := WorkflowsListResponse{ScopePK: sc.PK, Workflows: []WorkflowStatusResponse{}}
	owner := store.Owner{ScopePK: sc.PK}
	err = s.app.Store.InTx(r.Context(), func(tx store.Tx) error {
		statuses, err := s.app.Machine.Statuses(r.Context(), tx, owner)
		if err != nil {
			return err
		}
		important, err := s.app.Machine.ImportantStatuses(r.Context(), tx, owner, st)
		if err != nil {
			return err
		}
		flagged := make(map[int64]bool, len(important))
		for _, imp := range important {
			flagged[imp.PK] = true
		}
		for _, status := range statuses {
			resp.Workflows = append(resp.Workflows, WorkflowStatusResponse{
				PK:         status.PK,
				WorkflowID: status.WorkflowID,
				StateID:    status.StateID,
				Important:  flagged[status.PK],
				UpdatedAt:  status.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadScope(w, r)
	if !ok {
		return
	}
	workflowID := chi.URLParam(r, "workflowId")
	actionID := chi.URLParam(r, "actionId")

	res, err := s.app.Engine.ExecuteWorkflowAction(r.Context(), rules.NewDataState(sc), workflowID, actionID, s.actor(r.Context()))
	if err != nil {
		var execErr *rules.ExecutionError
		switch {
		case errors.As(err, &execErr):
			respondError(w, http.StatusUnprocessableEntity, "workflow action failed", err)
		case study.IsConfigError(err):
			respondError(w, http.StatusNotFound, "workflow action not found", err)
		default:
			respondError(w, http.StatusInternalServerError, "workflow action failed", err)
		}
		return
	}

	resp := ExecutionResponse{Fired: res.Fired, Actions: res.Actions, Messages: res.Messages}
	if resp.Fired == nil {
		resp.Fired = []string{}
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error(message, "status", status, "error", err)
	}
	respondJSON(w, status, response)
}
