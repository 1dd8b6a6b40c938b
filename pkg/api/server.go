// Package api exposes the plotter over HTTP and a websocket stream.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/queue"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
)

// Config wires the server to the running components.
type Config struct {
	Device  *device.Controller
	Queue   *queue.Queue
	Spatial *spatial.Processor
	Metrics *metrics.PlotterMetrics
	Logger  *log.Logger

	// Version is reported by GET /api/version.
	Version string

	// AllowedOrigins restricts websocket upgrades. Empty allows all.
	AllowedOrigins []string
}

// Server routes REST calls and websocket messages onto the controller,
// the job queue and the spatial processor.
type Server struct {
	dev     *device.Controller
	jobs    *queue.Queue
	spatial *spatial.Processor
	metrics *metrics.PlotterMetrics
	log     *log.Logger
	version string

	upgrader websocket.Upgrader
	router   chi.Router

	mu      sync.RWMutex
	clients map[string]*wsClient
	unsub   []func()
	closed  bool
}

// New builds the router and subscribes to controller state changes and
// spatial frames.
func New(cfg Config) *Server {
	s := &Server{
		dev:     cfg.Device,
		jobs:    cfg.Queue,
		spatial: cfg.Spatial,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		version: cfg.Version,
		clients: make(map[string]*wsClient),
	}
	if s.log == nil {
		s.log = log.GetLogger("api")
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.router = s.routes()

	s.unsub = append(s.unsub, s.dev.Subscribe(func(st device.Status) {
		s.broadcast(statusMessage{Type: "status", Status: st})
	}))
	if s.spatial != nil {
		s.unsub = append(s.unsub, s.spatial.Subscribe(func(f spatial.Frame) {
			s.broadcast(frameMessage{Type: "frame", Frame: f})
		}))
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every websocket client and stops listening for updates.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	for _, c := range clients {
		c.Close()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/initialize", s.handleInitialize)

		r.Post("/pen/up", s.handlePenUp)
		r.Post("/pen/down", s.handlePenDown)
		r.Post("/pen/toggle", s.handlePenToggle)
		r.Get("/pen/config", s.handleGetPenConfig)
		r.Put("/pen/config", s.handlePutPenConfig)

		r.Post("/move", s.handleMove)
		r.Post("/move/to", s.handleMoveTo)
		r.Post("/line/to", s.handleLineTo)
		r.Post("/home", s.handleHome)
		r.Post("/execute", s.handleExecute)
		r.Post("/motors/enable", s.handleMotorsEnable)
		r.Post("/motors/disable", s.handleMotorsDisable)
		r.Post("/stop", s.handleStop)
		r.Get("/speed", s.handleGetSpeed)
		r.Put("/speed", s.handlePutSpeed)

		r.Post("/jobs", s.handleAddJob)
		r.Get("/jobs/history", s.handleJobHistory)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/pause", s.handleQueuePause)
		r.Post("/queue/resume", s.handleQueueResume)
		r.Delete("/queue", s.handleQueueClear)

		r.Get("/spatial", s.handleGetSpatial)
		r.Put("/spatial/config", s.handlePutSpatialConfig)

		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/version", s.handleVersion)
		r.Get("/nickname", s.handleGetNickname)
		r.Put("/nickname", s.handlePutNickname)
		r.Get("/power", s.handlePower)
		r.Post("/reset", s.handleReset)
		r.Post("/reboot", s.handleReboot)
	})

	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.handleWebSocket)
	return r
}

// corsMiddleware lets browser front ends on other origins call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
