package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/internal/handlers"
	"github.com/brandon/outlook-mcp/internal/pool"
	"github.com/brandon/outlook-mcp/internal/ratelimit"
	"github.com/brandon/outlook-mcp/internal/rpc"
)

// ServerName and ServerVersion identify the server in the handshake.
const (
	ServerName    = "outlook-mcp"
	ServerVersion = "1.0.0"
)

// State is the process lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Health is the probe snapshot.
type Health struct {
	State            string      `json:"state"`
	OutlookConnected bool        `json:"outlook_connected"`
	PoolStats        pool.Stats  `json:"pool_stats"`
	CacheStats       cache.Stats `json:"cache_stats"`
	UptimeSeconds    float64     `json:"uptime"`
}

// InitializeResult is the handshake response payload.
type InitializeResult struct {
	ServerName    string                 `json:"server_name"`
	ServerVersion string                 `json:"server_version"`
	Capabilities  map[string]interface{} `json:"capabilities"`
}

// Server is the request-processing core shared by every transport. It owns
// the pool, limiter, cache and handler registry, and is constructed once at
// startup and passed through explicitly.
type Server struct {
	cfg      *config.Config
	logger   *logrus.Logger
	pool     *pool.Pool
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	registry *handlers.Registry

	admission *semaphore.Weighted
	state     atomic.Int32
	startedAt time.Time
	inflight  sync.WaitGroup
}

// New builds the core around an adapter factory. Tests pass a fake factory.
func New(cfg *config.Config, factory adapter.Factory, logger *logrus.Logger) *Server {
	p := pool.New(cfg.Pool, factory, cfg.OutlookConnectionTimeout, logger)
	c := cache.New(cfg.Cache, logger)
	l := ratelimit.New(cfg.RateLimit, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		pool:      p,
		limiter:   l,
		cache:     c,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		startedAt: time.Now(),
	}
	s.registry = handlers.NewRegistry(handlers.Deps{
		Config:  cfg,
		Pool:    p,
		Limiter: l,
		Cache:   c,
		Logger:  logger,
	})
	s.state.Store(int32(StateInitializing))
	return s
}

// Start opens the initial pool connections and marks the server running.
func (s *Server) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx, s.cfg.StrictStartup); err != nil {
		return fmt.Errorf("pool startup failed: %w", err)
	}
	s.transition(StateRunning)
	return nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) transition(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   next.String(),
		}).Info("Lifecycle transition")
	}
}

// Health reports the probe snapshot.
func (s *Server) Health() Health {
	ps := s.pool.Stats()
	return Health{
		State:            s.State().String(),
		OutlookConnected: ps.Size > 0,
		PoolStats:        ps,
		CacheStats:       s.cache.Stats(),
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
	}
}

// Dispatch processes one raw frame for a session and returns the response,
// or nil for notifications. Transports call this and write whatever comes
// back.
func (s *Server) Dispatch(ctx context.Context, session *rpc.Session, raw []byte) *rpc.Response {
	start := time.Now()

	req, pf := rpc.Parse(raw)
	if pf != nil {
		s.logger.WithField("code", pf.Code()).Warn("Rejected malformed frame")
		return rpc.NewErrorResponse(nil, pf)
	}

	s.logger.WithFields(logrus.Fields{
		"method":       req.Method,
		"session":      session.ID,
		"notification": req.IsNotification(),
	}).Info("Request received")

	resp := s.dispatch(ctx, session, req)

	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = fmt.Sprintf("error(%d)", resp.Error.Code)
	}
	s.logger.WithFields(logrus.Fields{
		"method":   req.Method,
		"session":  session.ID,
		"duration": time.Since(start).String(),
		"outcome":  outcome,
	}).Info("Request completed")

	if req.IsNotification() {
		return nil
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, session *rpc.Session, req *rpc.Request) *rpc.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(session, req)
	case "shutdown":
		return s.handleShutdown(session, req)
	}

	if !session.Ready() {
		return rpc.NewErrorResponse(req.ID, fault.SessionUninitialized())
	}
	if s.State() != StateRunning {
		return rpc.NewErrorResponse(req.ID, fault.New(fault.KindUnavailable, "server is shutting down"))
	}

	handler, ok := s.registry.Lookup(req.Method)
	if !ok {
		return rpc.NewErrorResponse(req.ID, fault.MethodNotFound(req.Method))
	}

	// Notifications run only for side-effectful methods; a dropped read
	// has no observable effect beyond this event.
	if req.IsNotification() && req.Method != "send_email" {
		s.logger.WithField("method", req.Method).Warn("Dropping read-only notification")
		return nil
	}

	// Admission: bounded concurrency with a short queue.
	admitCtx, cancelAdmit := context.WithTimeout(ctx, s.cfg.AdmissionQueueTimeout)
	err := s.admission.Acquire(admitCtx, 1)
	cancelAdmit()
	if err != nil {
		return rpc.NewErrorResponse(req.ID, fault.Overloaded())
	}
	defer s.admission.Release(1)

	s.inflight.Add(1)
	defer s.inflight.Done()

	// Request deadline: the tighter of the caller's and the server's.
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, f := s.invoke(reqCtx, handler, req)
	if f != nil {
		return rpc.NewErrorResponse(req.ID, f)
	}
	return rpc.NewResponse(req.ID, result)
}

// invoke runs a handler with a catch-all so an escaped panic maps to an
// internal error instead of killing the transport.
func (s *Server) invoke(ctx context.Context, handler handlers.HandlerFunc, req *rpc.Request) (result interface{}, f *fault.Fault) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", fmt.Sprintf("%v", r)).Error("Handler panicked")
			result, f = nil, fault.Internal(fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, req.Params)
}

func (s *Server) handleInitialize(session *rpc.Session, req *rpc.Request) *rpc.Response {
	if s.State() != StateRunning && s.State() != StateInitializing {
		return rpc.NewErrorResponse(req.ID, fault.New(fault.KindUnavailable, "server is draining, no new sessions"))
	}

	var p struct {
		ClientName    string                 `json:"client_name"`
		ClientVersion string                 `json:"client_version"`
		Capabilities  map[string]interface{} `json:"capabilities"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpc.NewErrorResponse(req.ID, fault.Wrap(fault.KindInvalidParams, err, "invalid initialize parameters"))
		}
	}
	if p.ClientName == "" {
		return rpc.NewErrorResponse(req.ID, fault.InvalidParamsField("client_name", "client_name is required"))
	}

	if !session.BeginInitialize() {
		return rpc.NewErrorResponse(req.ID, fault.New(fault.KindInvalidRequest, "session already initialized"))
	}
	session.CompleteInitialize(p.ClientName, p.ClientVersion, p.Capabilities)

	s.logger.WithFields(logrus.Fields{
		"session":        session.ID,
		"client_name":    p.ClientName,
		"client_version": p.ClientVersion,
	}).Info("Session initialized")

	methods := s.registry.Methods()
	sort.Strings(methods)
	return rpc.NewResponse(req.ID, &InitializeResult{
		ServerName:    ServerName,
		ServerVersion: ServerVersion,
		Capabilities: map[string]interface{}{
			"methods": methods,
		},
	})
}

func (s *Server) handleShutdown(session *rpc.Session, req *rpc.Request) *rpc.Response {
	if !session.Ready() {
		return rpc.NewErrorResponse(req.ID, fault.SessionUninitialized())
	}
	session.BeginClose()
	s.logger.WithField("session", session.ID).Info("Session closing")
	return rpc.NewResponse(req.ID, map[string]string{"status": "closing"})
}

// Shutdown drains the server: no new work, outstanding requests get the
// grace window, then resources close in dependency order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.transition(StateDraining)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("Shutdown grace elapsed with requests in flight")
	case <-ctx.Done():
	}

	s.registry.Close()
	s.cache.Flush()
	s.cache.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.pool.Close(closeCtx); err != nil {
		s.logger.WithError(err).Warn("Pool close timed out")
	}

	s.transition(StateStopped)
	return nil
}
