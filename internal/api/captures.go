package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/service"
)

type submitRequest struct {
	URL        string            `json:"url"`
	Cookies    []archive.Cookie  `json:"cookies"`
	Headers    map[string]string `json:"headers"`
	Tags       []string          `json:"tags"`
	IncludePDF *bool             `json:"include_pdf"`
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.archive.Submit(r.Context(), service.SubmitRequest{
		URL:        req.URL,
		Cookies:    req.Cookies,
		Headers:    req.Headers,
		Tags:       req.Tags,
		IncludePDF: req.IncludePDF,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"capture": c})
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	q, err := parseCaptureQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.archive.List(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	d, err := s.archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.archive.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recapture(w http.ResponseWriter, r *http.Request) {
	c, err := s.archive.Recapture(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"capture": c})
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) addTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	tags, err := s.archive.AddTag(r.Context(), chi.URLParam(r, "id"), req.Tag)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) removeTag(w http.ResponseWriter, r *http.Request) {
	tags, err := s.archive.RemoveTag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tag"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	kind := archive.Kind(chi.URLParam(r, "kind"))
	a, path, err := s.archive.ArtifactPath(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", kind.ContentType())
	w.Header().Set("X-Checksum-SHA256", a.SHA256)
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+a.CaptureID+"-"+kind.FileName()+`"`)
	}
	http.ServeFile(w, r, path)
}

func parseCaptureQuery(r *http.Request) (archive.CaptureQuery, error) {
	v := r.URL.Query()
	q := archive.CaptureQuery{
		Domain: strings.TrimSpace(v.Get("domain")),
		Status: archive.Status(strings.ToLower(strings.TrimSpace(v.Get("status")))),
		Tag:    strings.TrimSpace(v.Get("tag")),
		URL:    strings.TrimSpace(v.Get("url")),
		Q:      strings.TrimSpace(v.Get("q")),
		Sort:   archive.Sort(strings.TrimSpace(v.Get("sort"))),
	}
	var err error
	if q.Page, err = positiveInt(v.Get("page")); err != nil {
		return q, errors.New("invalid page")
	}
	if q.PageSize, err = positiveInt(v.Get("page_size")); err != nil {
		return q, errors.New("invalid page_size")
	}
	return q, nil
}

// positiveInt parses an optional positive integer; empty yields 0.
func positiveInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
