// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package api exposes the coordination core over HTTP: device inspection,
// frequency bounds, governor switching, suspend/resume and transition
// statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soothill/dvfs-coordinator/devfreq"
	"github.com/soothill/dvfs-coordinator/governor"
	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
)

const (
	readTimeout       = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Server serves the HTTP control plane for a device manager.
type Server struct {
	manager   *devfreq.Manager
	userspace *governor.Userspace // optional, enables direct frequency control
	allowed   map[string]bool     // governor switch allow-list, nil allows all
	server    *http.Server
}

// New builds a server for the manager. If userspace is non-nil, devices
// attached to it accept direct target frequency requests. A non-empty
// allowList restricts which governors devices may be switched to.
func New(manager *devfreq.Manager, userspace *governor.Userspace, allowList []string, port int) *Server {
	s := &Server{
		manager:   manager,
		userspace: userspace,
	}
	if len(allowList) > 0 {
		s.allowed = make(map[string]bool, len(allowList))
		for _, name := range allowList {
			s.allowed[name] = true
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Route("/devices/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Get("/governor", s.handleGetGovernor)
			r.Put("/governor", s.handleSetGovernor)
			r.Get("/available_governors", s.handleAvailableGovernors)
			r.Get("/cur_freq", s.handleCurFreq)
			r.Get("/min_freq", s.handleGetMinFreq)
			r.Put("/min_freq", s.handleSetMinFreq)
			r.Get("/max_freq", s.handleGetMaxFreq)
			r.Put("/max_freq", s.handleSetMaxFreq)
			r.Put("/target_freq", s.handleSetTargetFreq)
			r.Put("/max_boost", s.handleSetMaxBoost)
			r.Get("/polling_interval", s.handleGetPollingInterval)
			r.Put("/polling_interval", s.handleSetPollingInterval)
			r.Get("/available_frequencies", s.handleAvailableFrequencies)
			r.Get("/trans_stat", s.handleTransStat)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
		})
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down API server")
	return s.server.Shutdown(ctx)
}

type deviceSummary struct {
	ID              string `json:"id"`
	Governor        string `json:"governor"`
	CurFreq         uint64 `json:"cur_freq"`
	MinFreq         uint64 `json:"min_freq"`
	MaxFreq         uint64 `json:"max_freq"`
	PollingInterval string `json:"polling_interval"`
}

func summarize(d *devfreq.Device) deviceSummary {
	return deviceSummary{
		ID:              d.ID(),
		Governor:        d.GovernorName(),
		CurFreq:         uint64(d.PreviousFreq()),
		MinFreq:         uint64(d.MinFreq()),
		MaxFreq:         uint64(d.MaxFreq()),
		PollingInterval: d.PollInterval().String(),
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.manager.Devices()
	out := make([]deviceSummary, len(devs))
	for i, d := range devs {
		out[i] = summarize(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) *devfreq.Device {
	d, err := s.manager.Device(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	return d
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}

	type deviceDetail struct {
		deviceSummary
		AvailableFrequencies []uint64 `json:"available_frequencies"`
	}
	detail := deviceDetail{deviceSummary: summarize(d)}
	for _, f := range d.FreqTable() {
		detail.AvailableFrequencies = append(detail.AvailableFrequencies, uint64(f))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetGovernor(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"governor": d.GovernorName()})
}

func (s *Server) handleSetGovernor(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}

	var req struct {
		Governor string `json:"governor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.allowed != nil && !s.allowed[req.Governor] {
		writeError(w, apperrors.NewGovernorError("switch", req.Governor,
			fmt.Errorf("governor not in allow list: %w", apperrors.ErrUnsupported)))
		return
	}
	if err := s.manager.SwitchGovernor(d.ID(), req.Governor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"governor": req.Governor})
}

func (s *Server) handleAvailableGovernors(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	govs, err := s.manager.AvailableGovernors(d.ID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"governors": govs})
}

func (s *Server) handleCurFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"cur_freq": uint64(d.PreviousFreq())})
}

func (s *Server) handleGetMinFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"min_freq": uint64(d.MinFreq())})
}

func (s *Server) handleGetMaxFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"max_freq": uint64(d.MaxFreq())})
}

type freqRequest struct {
	Freq uint64 `json:"freq"`
}

func (s *Server) handleSetMinFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	var req freqRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.SetMinFreq(devfreq.Frequency(req.Freq)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"min_freq": req.Freq})
}

func (s *Server) handleSetMaxFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	var req freqRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.SetMaxFreq(devfreq.Frequency(req.Freq)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"max_freq": req.Freq})
}

func (s *Server) handleSetTargetFreq(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	if s.userspace == nil {
		writeError(w, apperrors.NewDeviceError("target_freq", d.ID(), apperrors.ErrUnsupported))
		return
	}
	var req freqRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.userspace.Set(d, devfreq.Frequency(req.Freq)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"target_freq": req.Freq})
}

func (s *Server) handleSetMaxBoost(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.SetMaxBoost(req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"max_boost": req.Enabled})
}

func (s *Server) handleGetPollingInterval(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"polling_interval_ms": d.PollInterval().Milliseconds()})
}

func (s *Server) handleSetPollingInterval(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	var req struct {
		IntervalMs int64 `json:"polling_interval_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := d.SetPollInterval(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"polling_interval_ms": req.IntervalMs})
}

func (s *Server) handleAvailableFrequencies(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	freqs := []uint64{}
	for _, f := range d.FreqTable() {
		freqs = append(freqs, uint64(f))
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"frequencies": freqs})
}

func (s *Server) handleTransStat(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(d.TransStat()))
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	if err := d.Suspend(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	d := s.device(w, r)
	if d == nil {
		return
	}
	if err := d.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsAlreadyExists(err), apperrors.IsInvalidState(err):
		status = http.StatusConflict
	case apperrors.IsUnsupported(err):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
