package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/errs"
)

// DirectoryView is the body of GET /v1/capabilities.
type DirectoryView struct {
	Version    uint64                 `json:"version"`
	Tools      []capability.Record    `json:"tools"`
	Resources  []capability.Record    `json:"resources"`
	Prompts    []capability.Record    `json:"prompts"`
	Collisions []capability.Collision `json:"collisions,omitempty"`
	Failures   map[string]string      `json:"failures,omitempty"`
}

// ViewOf renders a snapshot for clients.
func ViewOf(snap *capability.Snapshot) DirectoryView {
	v := DirectoryView{
		Version:    snap.Version(),
		Tools:      snap.Tools(),
		Resources:  snap.Resources(),
		Prompts:    snap.Prompts(),
		Collisions: snap.Collisions(),
		Failures:   snap.Failures(),
	}
	// Render empty kinds as [] rather than null.
	for _, l := range []*[]capability.Record{&v.Tools, &v.Resources, &v.Prompts} {
		if *l == nil {
			*l = []capability.Record{}
		}
	}
	return v
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ViewOf(s.deps.Directory.Snapshot()), s.logger)
}

// handleRefresh rebuilds the directory. Servers that failed to list are
// reported in the view's failures; the refresh itself still succeeds.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Directory.Refresh(r.Context())
	if err != nil {
		s.logger.Warn("directory refresh incomplete", "error", err)
	}
	writeJSON(w, ViewOf(snap), s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeJSON(w, map[string]any{"servers": []any{}}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"servers": s.deps.Sessions.Sessions()}, s.logger)
}

// handleReadResource proxies resources/read to the server that owns the
// URI in the directory.
func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		s.errorResponse(w, http.StatusBadRequest, "uri is required")
		return
	}
	rec, ok := s.deps.Directory.Snapshot().Lookup(capability.KindResource, uri)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown resource "+uri)
		return
	}
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no sessions")
		return
	}

	contents, err := s.deps.Sessions.ReadResource(r.Context(), rec.ServerID, uri)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, map[string]any{"server": rec.ServerID, "contents": contents}, s.logger)
}

// handleGetPrompt proxies prompts/get. The body, if any, is a JSON
// object of string arguments.
func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := s.deps.Directory.Snapshot().Lookup(capability.KindPrompt, name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown prompt "+name)
		return
	}
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no sessions")
		return
	}

	var args map[string]string
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "arguments must be a JSON object of strings")
		return
	}

	res, err := s.deps.Sessions.GetPrompt(r.Context(), rec.ServerID, name, args)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"server":      rec.ServerID,
		"description": res.Description,
		"messages":    res.Messages,
	}, s.logger)
}

// upstreamError maps a capability server failure to an HTTP status.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, errs.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrConnection):
		code = http.StatusServiceUnavailable
	}
	s.errorResponse(w, code, string(errs.KindOf(err))+": "+err.Error())
}
