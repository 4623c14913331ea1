package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/backup"
)

type scheduleRequest struct {
	URL           string `json:"url"`
	IntervalHours int    `json:"interval_hours"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sch, err := s.archive.CreateSchedule(r.Context(), req.URL, req.IntervalHours)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": sch})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.archive.ListSchedules(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	sch, err := s.archive.SetScheduleEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sch})
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"settings": s.archive.CurrentSettings()})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	next := s.archive.CurrentSettings()
	if !s.decodeJSON(w, r, &next) {
		return
	}
	applied, err := s.archive.UpdateSettings(r.Context(), next)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": applied})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.archive.Dashboard(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) writeExport(w http.ResponseWriter, r *http.Request) {
	res, err := s.archive.Export(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// streamExport sends a bundle directly to the client without touching the
// backup directory.
func (s *Server) streamExport(w http.ResponseWriter, r *http.Request) {
	name := backup.FileName(s.clock.Now())
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	m, err := s.archive.ExportTo(r.Context(), w)
	if err != nil {
		// Headers are gone; the truncated zip fails to open on the client.
		s.logger.Error("export stream failed", zap.Error(err))
		return
	}
	s.logger.Info("export streamed", zap.Int("artifacts", m.Artifacts), zap.Int("missing", len(m.Missing)))
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	report, err := s.archive.Verify(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
