// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/queue"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
	"github.com/joeysapp/axi-server-sub001/pkg/svg"
)

type deltaRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type pointRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type executeRequest struct {
	Steps []device.Step `json:"steps"`
}

type motorsRequest struct {
	Resolution motion.Resolution `json:"resolution"`
}

type jobRequest struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Priority *queue.Priority `json:"priority"`
	Steps    []device.Step   `json:"steps"`
	SVG      string          `json:"svg"`
	Scale    float64         `json:"scale"`
	OffsetX  float64         `json:"offset_x"`
	OffsetY  float64         `json:"offset_y"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

type statusResponse struct {
	Device  device.Status  `json:"device"`
	Queue   queue.Snapshot `json:"queue"`
	Spatial *spatial.Frame `json:"spatial,omitempty"`
}

// reply writes data on success and the mapped error otherwise.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Validation("limit", "must be a non-negative integer")
	}
	return n, nil
}

// Connection

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	session, err := s.dev.Connect(r.Context())
	s.reply(w, r, session, err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := s.dev.Disconnect(r.Context())
	s.reply(w, r, s.dev.Status(), err)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	err := s.dev.Initialize(r.Context())
	if err == nil && s.spatial != nil {
		s.spatial.SyncPosition()
	}
	s.reply(w, r, s.dev.Status(), err)
}

// Pen

func (s *Server) handlePenUp(w http.ResponseWriter, r *http.Request) {
	tr, err := s.dev.PenUp(r.Context())
	s.reply(w, r, tr, err)
}

func (s *Server) handlePenDown(w http.ResponseWriter, r *http.Request) {
	tr, err := s.dev.PenDown(r.Context())
	s.reply(w, r, tr, err)
}

func (s *Server) handlePenToggle(w http.ResponseWriter, r *http.Request) {
	res, err := s.dev.TogglePen(r.Context())
	s.reply(w, r, res, err)
}

func (s *Server) handleGetPenConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dev.ServoConfig())
}

func (s *Server) handlePutPenConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg := s.dev.ServoConfig()
	if err := patch(&cfg, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dev.SetServoConfig(cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.dev.ServoConfig())
}

// Motion

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body deltaRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.dev.Move(r.Context(), body.DX, body.DY)
	s.reply(w, r, pos, err)
}

func (s *Server) handleMoveTo(w http.ResponseWriter, r *http.Request) {
	var body pointRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.dev.MoveTo(r.Context(), body.X, body.Y)
	s.reply(w, r, pos, err)
}

func (s *Server) handleLineTo(w http.ResponseWriter, r *http.Request) {
	var body pointRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.dev.LineTo(r.Context(), body.X, body.Y)
	s.reply(w, r, pos, err)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	pos, err := s.dev.Home(r.Context())
	if err == nil && s.spatial != nil {
		s.spatial.SyncPosition()
	}
	s.reply(w, r, pos, err)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.dev.Execute(r.Context(), body.Steps, nil)
	s.reply(w, r, s.dev.Status().Position, err)
}

func (s *Server) handleMotorsEnable(w http.ResponseWriter, r *http.Request) {
	body := motorsRequest{Resolution: s.dev.Geometry().Resolution}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.dev.EnableMotors(r.Context(), body.Resolution)
	s.reply(w, r, s.dev.Status(), err)
}

func (s *Server) handleMotorsDisable(w http.ResponseWriter, r *http.Request) {
	err := s.dev.DisableMotors(r.Context())
	s.reply(w, r, s.dev.Status(), err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rep, err := s.dev.EmergencyStop(r.Context())
	s.reply(w, r, rep, err)
}

func (s *Server) handleGetSpeed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dev.Speeds())
}

func (s *Server) handlePutSpeed(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sp := s.dev.Speeds()
	if err := patch(&sp, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dev.SetSpeeds(sp); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.dev.Speeds())
}

// Jobs

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	steps := body.Steps
	if body.SVG != "" {
		if len(steps) > 0 {
			s.writeError(w, r, errors.Validation("svg", "give either steps or svg, not both"))
			return
		}
		var err error
		steps, err = svg.ConvertString(body.SVG, svg.Options{Scale: body.Scale, OffsetX: body.OffsetX, OffsetY: body.OffsetY})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if body.Type == "" {
			body.Type = "svg"
		}
	}
	priority := queue.PriorityNormal
	if body.Priority != nil {
		priority = *body.Priority
	}
	job, err := s.jobs.Add(queue.Request{
		Name:     body.Name,
		Type:     body.Type,
		Priority: priority,
		Steps:    steps,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, r, job, err)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, r, job, err)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.History(r.Context(), limit)
	s.reply(w, r, jobs, err)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.jobs.Pause()
	s.writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.jobs.Resume()
	s.writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := s.jobs.Clear(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// Spatial

func (s *Server) handleGetSpatial(w http.ResponseWriter, r *http.Request) {
	if s.spatial == nil {
		s.writeError(w, r, errors.New(errors.ErrNotFound, "spatial processor disabled"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"config": s.spatial.Config(),
		"frame":  s.spatial.Frame(),
	})
}

func (s *Server) handlePutSpatialConfig(w http.ResponseWriter, r *http.Request) {
	if s.spatial == nil {
		s.writeError(w, r, errors.New(errors.ErrNotFound, "spatial processor disabled"))
		return
	}
	var body map[string]any
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.spatial.UpdateConfig(body)
	s.reply(w, r, cfg, err)
}

// Device info

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Device: s.dev.Status(), Queue: s.jobs.Snapshot()}
	if s.spatial != nil {
		f := s.spatial.Frame()
		resp.Spatial = &f
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.dev.History(limit))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	session := s.dev.Session()
	if session == nil {
		var err error
		if session, err = s.dev.Connect(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"server":   s.version,
		"firmware": session.Version,
		"port":     session.Port,
	})
}

func (s *Server) handleGetNickname(w http.ResponseWriter, r *http.Request) {
	name, err := s.dev.Nickname(r.Context())
	s.reply(w, r, nicknameRequest{Nickname: name}, err)
}

func (s *Server) handlePutNickname(w http.ResponseWriter, r *http.Request) {
	var body nicknameRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.dev.SetNickname(r.Context(), body.Nickname)
	s.reply(w, r, body, err)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	p, err := s.dev.Power(r.Context())
	s.reply(w, r, p, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.dev.Reset(r.Context())
	s.reply(w, r, s.dev.Status(), err)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	err := s.dev.Reboot(r.Context())
	s.reply(w, r, s.dev.Status(), err)
}
