// Package api defines the shared wire types of the file broker HTTP API.
package api

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Status   string `json:"status"` // Always "uploaded"
}

// ListResponse is a page of object metadata for one owner.
type ListResponse struct {
	Files []ObjectInfo `json:"files"`
	Total int          `json:"total"` // Live object count at read time, not page size
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// ObjectInfo is the externally visible metadata record of a stored object.
type ObjectInfo struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	ContentType string   `json:"content_type"`
	Owner       string   `json:"owner"`
	CreatedAt   string   `json:"created_at"`            // RFC3339 UTC
	UpdatedAt   string   `json:"updated_at,omitempty"`  // RFC3339 UTC
	Hash        string   `json:"hash"`                  // SHA-256 over the full payload
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
	IsShared    bool     `json:"is_shared"`
	ShareToken  string   `json:"share_token,omitempty"`
	AccessCount int64    `json:"access_count"`
}

// ShareRequest carries the optional constraints of a new share link.
type ShareRequest struct {
	ExpiresIn     int    `json:"expires_in,omitempty"`     // Seconds; 0 = no automatic expiry
	Password      string `json:"password,omitempty"`
	DownloadLimit int    `json:"download_limit,omitempty"` // 0 = unlimited
}

// ShareResponse is returned after a share link is created.
type ShareResponse struct {
	ShareToken string `json:"share_token"`
	ShareURL   string `json:"share_url"`
	ExpiresAt  string `json:"expires_at,omitempty"` // RFC3339 UTC, empty when the link never expires
}

// StatsResponse is the rolling usage record of one owner.
type StatsResponse struct {
	TotalFiles     int64  `json:"total_files"`
	TotalSize      int64  `json:"total_size"`
	UploadsToday   int64  `json:"uploads_today"`
	DownloadsToday int64  `json:"downloads_today"`
	LastActivity   string `json:"last_activity,omitempty"` // RFC3339 UTC
}

// LoginResponse is returned by the development login endpoint.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Always "bearer"
}

// Event is the envelope pushed to live client sessions.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"` // RFC3339 UTC, stamped at send time
}

// Event types emitted by the broker.
const (
	EventFileUploaded = "file_uploaded"
	EventFileDeleted  = "file_deleted"
)

// ErrorResponse is the JSON body of any error status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
