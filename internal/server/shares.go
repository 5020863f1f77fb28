package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filebroker/filebroker/internal/broker"
	"github.com/filebroker/filebroker/pkg/api"
)

// handleShareCreate issues a share link for an object the caller owns.
func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request, ownerID, objectID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body means an unconstrained link.
	req := api.ShareRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var downloadLimit *int64
	if req.DownloadLimit > 0 {
		limit := int64(req.DownloadLimit)
		downloadLimit = &limit
	}

	grant, err := s.shares.Create(r.Context(), ownerID, objectID,
		time.Duration(req.ExpiresIn)*time.Second, req.Password, downloadLimit)
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}

	resp := api.ShareResponse{
		ShareToken: grant.Token,
		ShareURL:   s.cfg.BaseURL + "/share/" + grant.Token,
	}
	if grant.ExpiresAt != nil {
		resp.ExpiresAt = grant.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSharedDownload serves /share/{token} without authentication. The
// token is the capability; password and download limit narrow it.
func (s *Server) handleSharedDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/share/")
	if token == "" || strings.Contains(token, "/") {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	grant, err := s.shares.Resolve(r.Context(), token, r.URL.Query().Get("password"))
	if err != nil {
		code := s.brokerStatus(err)
		s.observe("shared_download", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}

	payload, obj, err := s.repo.Fetch(r.Context(), grant.ObjectID)
	if err != nil {
		// The grant outlived the object; report the link as gone.
		code := s.brokerStatus(err)
		s.observe("shared_download", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}

	if err := s.stats.Record(r.Context(), obj.Owner, broker.OpDownload, obj.Size); err != nil {
		log.Warn().Err(err).Str("owner", obj.Owner).Msg("failed to record shared download stats")
	}
	if s.m != nil {
		s.m.BytesDownloaded.Add(float64(obj.Size))
	}

	log.Info().
		Str("object", obj.ID).
		Int64("downloads", grant.DownloadCount).
		Msg("shared download served")

	s.observe("shared_download", start, http.StatusOK)
	serveObject(w, obj, payload)
}
