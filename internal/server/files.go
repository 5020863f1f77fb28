package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filebroker/filebroker/internal/broker"
	"github.com/filebroker/filebroker/pkg/api"
)

// multipartMemoryLimit is how much of a parsed upload is held in memory
// before spilling to disk.
const multipartMemoryLimit = 10 << 20

// handleUpload accepts a multipart upload and stores it as a chunked object.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ownerID string) {
	start := time.Now()
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Bound the whole request body so an oversized upload fails early
	// instead of being buffered and rejected by the repository.
	r.Body = http.MaxBytesReader(w, r.Body, s.repo.MaxObjectSize()+multipartMemoryLimit)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		s.observe("upload", start, http.StatusRequestEntityTooLarge)
		s.jsonError(w, "upload too large or malformed", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.observe("upload", start, http.StatusBadRequest)
		s.jsonError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		s.observe("upload", start, http.StatusBadRequest)
		s.jsonError(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	obj, err := s.repo.Store(r.Context(), ownerID, header.Filename, header.Header.Get("Content-Type"), payload)
	if err != nil {
		code := s.brokerStatus(err)
		s.observe("upload", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}

	if s.m != nil {
		s.m.BytesUploaded.Add(float64(obj.Size))
		s.m.ObjectsStored.Inc()
	}

	s.hub.SendToOwner(ownerID, api.EventFileUploaded, map[string]any{
		"file_id":  obj.ID,
		"filename": obj.Name,
		"size":     obj.Size,
	})

	log.Info().
		Str("object", obj.ID).
		Str("owner", ownerID).
		Int64("size", obj.Size).
		Msg("upload accepted")

	s.observe("upload", start, http.StatusOK)
	s.writeJSON(w, http.StatusOK, api.UploadResponse{
		FileID:   obj.ID,
		Filename: obj.Name,
		Size:     obj.Size,
		Status:   "uploaded",
	})
}

// handleFileByID dispatches /api/v1/files/{id} and its sub-resources.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
	parts := strings.SplitN(rest, "/", 2)
	objectID := parts[0]
	if objectID == "" {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleDownload(w, r, ownerID, objectID)
		case http.MethodDelete:
			s.handleDelete(w, r, ownerID, objectID)
		default:
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "metadata":
		s.handleMetadata(w, r, ownerID, objectID)
	case "thumbnail":
		s.handleThumbnail(w, r, ownerID, objectID)
	case "share":
		s.handleShareCreate(w, r, ownerID, objectID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ownerID, objectID string) {
	start := time.Now()

	// Ownership is checked before Fetch so a foreign caller probing ids
	// cannot bump the owner's access counter.
	obj, err := s.repo.GetMetadata(r.Context(), objectID)
	if err != nil {
		code := s.brokerStatus(err)
		s.observe("download", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}
	if obj.Owner != ownerID {
		s.observe("download", start, http.StatusForbidden)
		s.jsonError(w, "not your file", http.StatusForbidden)
		return
	}

	payload, obj, err := s.repo.Fetch(r.Context(), objectID)
	if err != nil {
		code := s.brokerStatus(err)
		s.observe("download", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}

	if err := s.stats.Record(r.Context(), ownerID, broker.OpDownload, obj.Size); err != nil {
		log.Warn().Err(err).Str("owner", ownerID).Msg("failed to record download stats")
	}
	if s.m != nil {
		s.m.BytesDownloaded.Add(float64(obj.Size))
	}

	s.observe("download", start, http.StatusOK)
	serveObject(w, obj, payload)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, ownerID, objectID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	obj, err := s.repo.GetMetadata(r.Context(), objectID)
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}
	if obj.Owner != ownerID {
		s.jsonError(w, "not your file", http.StatusForbidden)
		return
	}

	s.writeJSON(w, http.StatusOK, objectInfo(obj))
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request, ownerID, objectID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	obj, err := s.repo.GetMetadata(r.Context(), objectID)
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}
	if obj.Owner != ownerID {
		s.jsonError(w, "not your file", http.StatusForbidden)
		return
	}

	data, err := s.thumbs.Thumbnail(r.Context(), objectID)
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ownerID, objectID string) {
	start := time.Now()

	deleted, err := s.repo.Delete(r.Context(), ownerID, objectID)
	if err != nil {
		code := s.brokerStatus(err)
		s.observe("delete", start, code)
		s.jsonError(w, err.Error(), code)
		return
	}
	if !deleted {
		s.observe("delete", start, http.StatusNotFound)
		s.jsonError(w, "file not found", http.StatusNotFound)
		return
	}

	if s.m != nil {
		s.m.ObjectsDeleted.Inc()
	}

	s.hub.SendToOwner(ownerID, api.EventFileDeleted, map[string]any{
		"file_id": objectID,
	})

	s.observe("delete", start, http.StatusOK)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleList serves one page of /api/v1/files/user/{userID}.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/files/user/")
	if userID == "" {
		s.jsonError(w, "user id required", http.StatusBadRequest)
		return
	}
	if userID != ownerID {
		s.jsonError(w, "cannot list another user's files", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	page := intQuery(q.Get("page"), 1)
	limit := intQuery(q.Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}

	objects, total, err := s.repo.List(r.Context(), ownerID, page, limit, q.Get("search"))
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}

	files := make([]api.ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		files = append(files, objectInfo(obj))
	}

	s.writeJSON(w, http.StatusOK, api.ListResponse{
		Files: files,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// handleStats serves /api/v1/stats/user/{userID}.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/api/v1/stats/user/")
	if userID == "" {
		s.jsonError(w, "user id required", http.StatusBadRequest)
		return
	}
	if userID != ownerID {
		s.jsonError(w, "cannot read another user's stats", http.StatusForbidden)
		return
	}

	stats, err := s.stats.Get(r.Context(), ownerID)
	if err != nil {
		s.jsonError(w, err.Error(), s.brokerStatus(err))
		return
	}

	resp := api.StatsResponse{
		TotalFiles:     stats.TotalFiles,
		TotalSize:      stats.TotalBytes,
		UploadsToday:   stats.UploadsToday,
		DownloadsToday: stats.DownloadsToday,
	}
	if stats.LastActivity != nil {
		resp.LastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// serveObject writes a full payload with download headers.
func serveObject(w http.ResponseWriter, obj *broker.StoredObject, payload []byte) {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", obj.Name))
	_, _ = w.Write(payload)
}

// objectInfo converts an internal record to its wire form.
func objectInfo(obj *broker.StoredObject) api.ObjectInfo {
	info := api.ObjectInfo{
		ID:          obj.ID,
		Filename:    obj.Name,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		Owner:       obj.Owner,
		CreatedAt:   obj.CreatedAt.UTC().Format(time.RFC3339),
		Hash:        obj.Hash,
		Tags:        obj.Tags,
		Description: obj.Description,
		IsShared:    obj.Shared,
		ShareToken:  obj.ShareToken,
		AccessCount: obj.AccessCount,
	}
	if obj.UpdatedAt != nil {
		info.UpdatedAt = obj.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return info
}

// brokerStatus maps broker sentinels to HTTP status codes.
func (s *Server) brokerStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, broker.ErrObjectNotFound),
		errors.Is(err, broker.ErrThumbnailNotFound),
		errors.Is(err, broker.ErrShareNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrLimitExceeded):
		return http.StatusGone
	case errors.Is(err, broker.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
