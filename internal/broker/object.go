package broker

import (
	"fmt"
	"time"
)

// StoredObject is the canonical metadata record of one stored object.
// It is JSON-serialized into the metadata key of the backing store.
type StoredObject struct {
	ID          string     `json:"id"`
	Name        string     `json:"filename"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	ChunkKeys   []string   `json:"chunks"` // Ordered; len == ceil(Size / chunkSize)
	Owner       string     `json:"owner"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Hash        string     `json:"hash"` // SHA-256 over the full payload
	Tags        []string   `json:"tags"`
	Description string     `json:"description,omitempty"`
	Shared      bool       `json:"is_shared"`
	ShareToken  string     `json:"share_token,omitempty"`
	AccessCount int64      `json:"access_count"`
}

// Backing store key namespace. One metadata key per object, one key per
// chunk, one thumbnail key per object, one membership set per owner, one
// recency index over all objects, one stats record per owner and one
// grant record per share token.
const (
	ownerSetPrefix = "owner"   // set owner:<ownerID> -> object ids
	recencyIndex   = "objects" // zset, score = creation unix seconds
)

func chunkKey(objectID string, index int) string {
	return fmt.Sprintf("chunk:%s:%d", objectID, index)
}

func metadataKey(objectID string) string {
	return "file:" + objectID
}

func thumbnailKey(objectID string) string {
	return "thumb:" + objectID
}

func ownerSet(ownerID string) string {
	return ownerSetPrefix + ":" + ownerID
}

func statsKey(ownerID string) string {
	return "stats:" + ownerID
}

func shareKey(token string) string {
	return "share:" + token
}
