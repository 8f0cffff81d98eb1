package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bounty-digest/digest"
	"bounty-digest/pkg/notifier"
)

const previewRecipient = "preview@example.com"

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	s.logger.Info("Manual digest run triggered", "force", force, "ip", clientIP(r))

	// The run outlives a disconnecting client: digests already sent must be stamped.
	ctx := context.WithoutCancel(r.Context())
	summary, err := s.engine.Run(ctx, s.now(), digest.RunOptions{IgnoreHourGate: force})
	switch {
	case errors.Is(err, digest.ErrRunInProgress):
		writeError(w, http.StatusConflict, "A digest run is already in progress")
	case errors.Is(err, digest.ErrFetch):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Failed to fetch bounties", "summary": summary})
	case err != nil:
		s.logger.Error("Manual digest run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Digest run failed", "summary": summary})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	bounties, err := s.source.OpenBounties(r.Context())
	if err != nil {
		s.logger.Warn("Preview bounty fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "Failed to fetch bounties")
		return
	}

	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags = normalizeTags(strings.Split(raw, ","))
	}
	filtered := digest.FilterByTags(bounties, tags)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(s.renderer.RenderDigest(filtered, previewRecipient))); err != nil {
		s.logger.Warn("Failed to write preview", "error", err)
	}
}

func (s *Server) handlePreviewNew(w http.ResponseWriter, r *http.Request) {
	fresh, err := s.engine.PreviewNew(r.Context())
	switch {
	case errors.Is(err, digest.ErrFetch):
		writeError(w, http.StatusBadGateway, "Failed to fetch bounties")
		return
	case err != nil:
		s.logger.Error("Novelty preview failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Preview failed")
		return
	}

	if fresh == nil {
		fresh = []*notifier.Bounty{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(fresh),
		"bounties": fresh,
	})
}
