package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"provisiond/internal/provision"
	"provisiond/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	CurrentSnapshot() types.EnvironmentSnapshot
	CheckAll(ctx context.Context) types.EnvironmentSnapshot
	Install(ctx context.Context, kind types.DependencyKind, opts provision.Options) (<-chan types.ProgressEvent, error)
	Cancel(kind types.DependencyKind) error
	Uninstall(ctx context.Context, kind types.DependencyKind) (types.EnvironmentSnapshot, error)
	Subscribe(buffer int) (<-chan types.Notification, func())
	FeatureEnabled() bool
}

var _ Service = (*provision.Orchestrator)(nil)

const (
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
	eventsBuffer      = 64
)

type server struct {
	svc Service
}

func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(corsOptions()))
	}
	// Compression for JSON endpoints; NDJSON is not in the compressible set.
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/environment", s.environment)
	r.Post("/environment/check", s.check)
	r.Route("/dependencies/{kind}", func(r chi.Router) {
		r.Post("/install", s.install)
		r.Post("/cancel", s.cancel)
		r.Post("/uninstall", s.uninstall)
	})
	r.Get("/events", s.events)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.FeatureEnabled() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func corsOptions() cors.Options {
	methods := corsAllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := corsAllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return cors.Options{
		AllowedOrigins: corsAllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("encode response")
	}
}

// kindParam resolves {kind}; unknown kinds get a 404.
func kindParam(w http.ResponseWriter, r *http.Request) (types.DependencyKind, bool) {
	k, err := types.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		IncrementRejection("unknown_kind")
		writeJSONError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return k, true
}

// environment godoc
// @Summary      Current environment snapshot
// @Tags         environment
// @Produce      json
// @Success      200  {object}  types.EnvironmentSnapshot
// @Router       /environment [get]
func (s *server) environment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CurrentSnapshot())
}

// check godoc
// @Summary      Probe every dependency in order
// @Tags         environment
// @Produce      json
// @Success      200  {object}  types.EnvironmentSnapshot
// @Router       /environment/check [post]
func (s *server) check(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	snap := s.svc.CheckAll(ctx)
	writeJSON(w, http.StatusOK, snap)
	logEnd(r, requestLogLevel(r), "check end", http.StatusOK, start, nil)
}

// install godoc
// @Summary      Install a dependency
// @Description  Streams NDJSON progress events. The last event carries the outcome. Disconnecting does not stop the install.
// @Tags         dependencies
// @Produce      application/x-ndjson
// @Param        kind     path   string  true   "interpreter, package or model"
// @Param        restart  query  bool    false  "cancel a running install first"
// @Success      200  {object}  types.ProgressEvent
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /dependencies/{kind}/install [post]
func (s *server) install(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	start := time.Now()
	lvl := requestLogLevel(r)
	restart, _ := strconv.ParseBool(r.URL.Query().Get("restart"))

	ch, err := s.svc.Install(r.Context(), kind, provision.Options{Restart: restart})
	if err != nil {
		status := writeServiceError(w, err)
		logEnd(r, lvl, "install rejected", status, start, err)
		return
	}
	if lvl >= LevelInfo {
		l := requestLogger(r)
		l.Info().Str("kind", string(kind)).Bool("restart", restart).Msg("install stream start")
	}

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	flush()

	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &ndjsonLogWriter{log: requestLogger(r), stream: "install"})
	}
	enc := json.NewEncoder(out)

	httpStreams.WithLabelValues("install").Inc()
	defer httpStreams.WithLabelValues("install").Dec()
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				logEnd(r, lvl, "install stream end", http.StatusOK, start, nil)
				return
			}
			if err := enc.Encode(ev); err != nil {
				logEnd(r, lvl, "install stream write", http.StatusOK, start, err)
				return
			}
			flush()
		case <-ctx.Done():
			// the session keeps running; its outcome reaches /events
			logEnd(r, lvl, "install stream detached", http.StatusOK, start, nil)
			return
		}
	}
}

// cancel godoc
// @Summary      Cancel a running install
// @Tags         dependencies
// @Produce      json
// @Param        kind  path  string  true  "interpreter, package or model"
// @Success      202  {object}  types.CancelResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /dependencies/{kind}/cancel [post]
func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	start := time.Now()
	lvl := requestLogLevel(r)
	if err := s.svc.Cancel(kind); err != nil {
		status := writeServiceError(w, err)
		logEnd(r, lvl, "cancel rejected", status, start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.CancelResponse{Kind: kind, Accepted: true})
	logEnd(r, lvl, "cancel accepted", http.StatusAccepted, start, nil)
}

// uninstall godoc
// @Summary      Uninstall the package or the model
// @Tags         dependencies
// @Produce      json
// @Param        kind  path  string  true  "package or model"
// @Success      200  {object}  types.EnvironmentSnapshot
// @Failure      400  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /dependencies/{kind}/uninstall [post]
func (s *server) uninstall(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	start := time.Now()
	lvl := requestLogLevel(r)
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	snap, err := s.svc.Uninstall(ctx, kind)
	if err != nil {
		status := writeServiceError(w, err)
		logEnd(r, lvl, "uninstall end", status, start, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
	logEnd(r, lvl, "uninstall end", http.StatusOK, start, nil)
}

// events godoc
// @Summary      Stream environment notifications
// @Description  NDJSON stream. Starts with the current snapshot, then carries every snapshot change and progress step.
// @Tags         environment
// @Produce      application/x-ndjson
// @Success      200  {object}  types.Notification
// @Router       /events [get]
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lvl := requestLogLevel(r)
	ch, unsubscribe := s.svc.Subscribe(eventsBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &ndjsonLogWriter{log: requestLogger(r), stream: "events"})
	}
	enc := json.NewEncoder(out)
	sendSnapshot := func() error {
		snap := s.svc.CurrentSnapshot()
		if err := enc.Encode(types.Notification{Type: types.NotificationSnapshot, Snapshot: &snap}); err != nil {
			return err
		}
		flush()
		return nil
	}
	if err := sendSnapshot(); err != nil {
		return
	}

	httpStreams.WithLabelValues("events").Inc()
	defer httpStreams.WithLabelValues("events").Dec()
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				logEnd(r, lvl, "events end", http.StatusOK, start, nil)
				return
			}
			if err := enc.Encode(n); err != nil {
				return
			}
			flush()
			heartbeat.Reset(eventsHeartbeat)
		case <-heartbeat.C:
			if err := sendSnapshot(); err != nil {
				return
			}
		case <-ctx.Done():
			logEnd(r, lvl, "events end", http.StatusOK, start, nil)
			return
		}
	}
}
