// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester"
	"github.com/helios-quant/backtest-engine/internal/data"
	"github.com/helios-quant/backtest-engine/internal/optimization"
	"github.com/helios-quant/backtest-engine/internal/strategy"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	config        *types.ServerConfig
	router        *mux.Router
	httpServer    *http.Server
	dataStore     *data.Store
	strategies    *strategy.Registry
	runs          map[string]*backtestRun
	optimizations map[string]*optimizationRun
	metrics       *serverMetrics
	registry      *prometheus.Registry
}

// backtestRun tracks one launched backtest.
type backtestRun struct {
	ID      string
	Config  *types.BacktestConfig
	Engine  *backtester.Engine
	Cancel  context.CancelFunc
	Started time.Time

	progress *progressHub

	mu     sync.RWMutex
	result *types.BacktestResult
}

func (r *backtestRun) hub() *progressHub { return r.progress }

// optimizationRun tracks one launched parameter search.
type optimizationRun struct {
	ID      string
	Started time.Time

	mu      sync.RWMutex
	done    bool
	err     string
	results []optimization.Result
}

// serverMetrics are registered on the server's own registry, never the
// package-global default.
type serverMetrics struct {
	backtestsStarted  prometheus.Counter
	backtestsFinished *prometheus.CounterVec
	stepsProcessed    prometheus.Counter
	wsClients         prometheus.Gauge
	httpRequests      *prometheus.CounterVec
}

func newServerMetrics(reg *prometheus.Registry) *serverMetrics {
	m := &serverMetrics{
		backtestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtests_started_total",
			Help: "Backtests launched via the API.",
		}),
		backtestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtests_finished_total",
			Help: "Backtests finished, by terminal state.",
		}, []string{"state"}),
		stepsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_steps_processed_total",
			Help: "Simulation steps processed across all runs.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(
		m.backtestsStarted,
		m.backtestsFinished,
		m.stepsProcessed,
		m.wsClients,
		m.httpRequests,
	)
	return m
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, dataStore *data.Store, strategies *strategy.Registry) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	s := &Server{
		logger:        logger,
		config:        config.WithDefaults(),
		router:        mux.NewRouter(),
		dataStore:     dataStore,
		strategies:    strategies,
		runs:          make(map[string]*backtestRun),
		optimizations: make(map[string]*optimizationRun),
		registry:      registry,
		metrics:       newServerMetrics(registry),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/strategies", s.instrument("strategies", s.handleListStrategies)).Methods("GET")
	api.HandleFunc("/data/symbols", s.instrument("symbols", s.handleSymbols)).Methods("GET")

	api.HandleFunc("/backtests", s.instrument("backtests", s.handleLaunchBacktest)).Methods("POST")
	api.HandleFunc("/backtests/{id}", s.instrument("backtest", s.handleGetBacktest)).Methods("GET")
	api.HandleFunc("/backtests/{id}/cancel", s.instrument("cancel", s.handleCancelBacktest)).Methods("POST")
	api.HandleFunc("/backtests/{id}/ws", s.handleBacktestWS)

	api.HandleFunc("/optimizations", s.instrument("optimizations", s.handleLaunchOptimization)).Methods("POST")
	api.HandleFunc("/optimizations/{id}", s.instrument("optimization", s.handleGetOptimization)).Methods("GET")
}

// Router exposes the route handler, without the CORS wrapper Start adds.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop cancels running backtests and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		run.Cancel()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.dataStore.Symbols(),
	})
}

// handleListStrategies returns each registered strategy with its bounded
// parameter schema so a client can build an optimizer space from it.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	type strategyInfo struct {
		Name       string               `json:"name"`
		Parameters []strategy.Parameter `json:"parameters"`
	}

	names := s.strategies.List()
	out := make([]strategyInfo, 0, len(names))
	for _, name := range names {
		st, err := s.strategies.Create(name, nil)
		if err != nil {
			continue
		}
		out = append(out, strategyInfo{Name: name, Parameters: st.Parameters()})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": out})
}

func (s *Server) handleLaunchBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	run, err := s.launchBacktest(&config)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":    run.ID,
		"state": run.Engine.State(),
	})
}

// launchBacktest assembles strategy, feed and engine, then runs the engine
// on its own goroutine.
func (s *Server) launchBacktest(config *types.BacktestConfig) (*backtestRun, error) {
	strat, err := s.strategies.Create(config.Strategy.Name, config.Strategy.Parameters)
	if err != nil {
		return nil, err
	}

	feed, err := s.dataStore.Feed(config.Symbols, config.StartDate, config.EndDate)
	if err != nil {
		return nil, err
	}

	engine, err := backtester.NewEngine(s.logger, config, strat, feed)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &backtestRun{
		ID:       config.ID,
		Config:   config,
		Engine:   engine,
		Cancel:   cancel,
		Started:  time.Now(),
		progress: newProgressHub(),
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	s.metrics.backtestsStarted.Inc()

	go run.progress.pump(run)

	go func() {
		defer cancel()
		result, err := engine.Run(ctx)
		if err != nil {
			s.logger.Error("backtest failed",
				zap.String("id", run.ID),
				zap.Error(err),
			)
		}
		run.mu.Lock()
		run.result = result
		run.mu.Unlock()

		if result != nil {
			s.metrics.backtestsFinished.WithLabelValues(string(result.State)).Inc()
			s.metrics.stepsProcessed.Add(float64(result.StepsProcessed))
		}
	}()
	return run, nil
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	run.mu.RLock()
	result := run.result
	run.mu.RUnlock()

	if result == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":       run.ID,
			"state":    run.Engine.State(),
			"progress": run.Engine.Progress(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	run.Cancel()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":    run.ID,
		"state": run.Engine.State(),
	})
}

// optimizationRequest is the POST /optimizations body: a backtest template
// plus the search space and optimizer settings. The strategy's own
// parameter bounds are used for any space entry given by name only.
type optimizationRequest struct {
	Backtest  types.BacktestConfig     `json:"backtest"`
	Space     []optimization.Parameter `json:"space"`
	Optimizer optimization.Config      `json:"optimizer"`
}

func (s *Server) handleLaunchOptimization(w http.ResponseWriter, r *http.Request) {
	var req optimizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	space, err := s.resolveSpace(req.Backtest.Strategy.Name, req.Space)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	feed, err := s.dataStore.Feed(req.Backtest.Symbols, req.Backtest.StartDate, req.Backtest.EndDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	opt := optimization.New(s.logger, req.Optimizer)
	run := &optimizationRun{
		ID:      uuid.New().String(),
		Started: time.Now(),
	}

	s.mu.Lock()
	s.optimizations[run.ID] = run
	s.mu.Unlock()

	evaluate := func(ctx context.Context, params optimization.ParamSet) (*types.BacktestResult, error) {
		cfg := req.Backtest
		cfg.ID = uuid.New().String()
		merged := make(map[string]float64, len(cfg.Strategy.Parameters)+len(params))
		for k, v := range cfg.Strategy.Parameters {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		cfg.Strategy.Parameters = merged

		strat, err := s.strategies.Create(cfg.Strategy.Name, merged)
		if err != nil {
			return nil, err
		}
		engine, err := backtester.NewEngine(s.logger, &cfg, strat, feed)
		if err != nil {
			return nil, err
		}
		return engine.Run(ctx)
	}

	go func() {
		results, err := opt.Search(context.Background(), space, evaluate)
		run.mu.Lock()
		defer run.mu.Unlock()
		run.done = true
		run.results = results
		if err != nil {
			run.err = err.Error()
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": run.ID})
}

// resolveSpace fills bounds for space entries that name a strategy
// parameter without giving a range.
func (s *Server) resolveSpace(strategyName string, space []optimization.Parameter) ([]optimization.Parameter, error) {
	if len(space) == 0 {
		return nil, fmt.Errorf("empty parameter space")
	}

	st, err := s.strategies.Create(strategyName, nil)
	if err != nil {
		return nil, err
	}
	schema := make(map[string]strategy.Parameter)
	for _, p := range st.Parameters() {
		schema[p.Name] = p
	}

	out := make([]optimization.Parameter, len(space))
	for i, p := range space {
		sp, known := schema[p.Name]
		if !known {
			return nil, fmt.Errorf("strategy %q has no parameter %q", strategyName, p.Name)
		}
		if len(p.Choices) == 0 && p.Min == 0 && p.Max == 0 {
			p.Min, p.Max, p.Step = sp.Min, sp.Max, sp.Step
		}
		if p.Min < sp.Min || p.Max > sp.Max {
			return nil, fmt.Errorf("parameter %q range [%g, %g] outside bounds [%g, %g]",
				p.Name, p.Min, p.Max, sp.Min, sp.Max)
		}
		out[i] = p
	}
	return out, nil
}

func (s *Server) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	run, ok := s.optimizations[mux.Vars(r)["id"]]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("optimization not found"))
		return
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      run.ID,
		"done":    run.done,
		"error":   run.err,
		"results": run.results,
	})
}

func (s *Server) lookupRun(id string) (*backtestRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// instrument wraps a handler with a per-route request counter.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.httpRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
