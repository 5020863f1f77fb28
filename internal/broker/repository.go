package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/filebroker/filebroker/internal/store"
)

// Repository owns the canonical object records and the owner/global
// indexes. All multi-key sequences (chunks + metadata + indexes + stats)
// are non-transactional; per-key writes are atomic at the store level.
type Repository struct {
	store         *store.Store
	chunkSize     int
	maxObjectSize int64
	ttl           time.Duration

	thumbs *Thumbnailer
	stats  *StatsTracker
}

// NewRepository creates an object metadata repository.
// thumbs may be nil to disable thumbnail derivation.
func NewRepository(st *store.Store, chunkSize int, maxObjectSize int64, ttl time.Duration, thumbs *Thumbnailer, stats *StatsTracker) *Repository {
	return &Repository{
		store:         st,
		chunkSize:     chunkSize,
		maxObjectSize: maxObjectSize,
		ttl:           ttl,
		thumbs:        thumbs,
		stats:         stats,
	}
}

// ChunkSize returns the configured chunk size in bytes.
func (r *Repository) ChunkSize() int {
	return r.chunkSize
}

// MaxObjectSize returns the configured upload size limit in bytes.
func (r *Repository) MaxObjectSize() int64 {
	return r.maxObjectSize
}

// Store splits the payload into chunks, persists them with the configured
// TTL, then writes the metadata record and index entries. Metadata is
// never written before every chunk write has succeeded, so a crash
// mid-upload leaves only orphaned chunks that expire on their own.
func (r *Repository) Store(ctx context.Context, ownerID, name, contentType string, payload []byte) (*StoredObject, error) {
	if int64(len(payload)) > r.maxObjectSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(payload), r.maxObjectSize)
	}

	if contentType == "" {
		contentType = mimetype.Detect(payload).String()
	}

	objectID := uuid.NewString()
	chunks := SplitChunks(payload, r.chunkSize)

	// Chunk writes are independent; dispatch them concurrently and hold
	// the metadata write until all of them have succeeded.
	chunkKeys := make([]string, len(chunks))
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		writeErr error
	)
	for i, chunk := range chunks {
		key := chunkKey(objectID, i)
		chunkKeys[i] = key

		wg.Add(1)
		go func(key string, data []byte) {
			defer wg.Done()
			if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
				errMu.Lock()
				if writeErr == nil {
					writeErr = err
				}
				errMu.Unlock()
			}
		}(key, chunk)
	}
	wg.Wait()
	if writeErr != nil {
		// Orphaned chunks expire via TTL; no metadata points at them.
		return nil, backendErr(writeErr)
	}

	now := time.Now().UTC()
	obj := &StoredObject{
		ID:          objectID,
		Name:        name,
		Size:        int64(len(payload)),
		ContentType: contentType,
		ChunkKeys:   chunkKeys,
		Owner:       ownerID,
		CreatedAt:   now,
		Hash:        Digest(payload),
		Tags:        []string{},
	}

	if err := r.putMetadata(ctx, obj, r.ttl); err != nil {
		return nil, err
	}

	if err := r.store.SetAdd(ctx, ownerSet(ownerID), objectID); err != nil {
		return nil, backendErr(err)
	}
	if err := r.store.SortedAdd(ctx, recencyIndex, objectID, float64(now.Unix())); err != nil {
		return nil, backendErr(err)
	}

	if r.stats != nil {
		if err := r.stats.Record(ctx, ownerID, OpUpload, obj.Size); err != nil {
			return nil, err
		}
	}

	if r.thumbs != nil && strings.HasPrefix(contentType, "image/") {
		r.thumbs.Schedule(objectID, payload)
	}

	log.Debug().
		Str("object", objectID).
		Str("owner", ownerID).
		Int("chunks", len(chunkKeys)).
		Int64("size", obj.Size).
		Msg("object stored")

	return obj, nil
}

// Fetch reassembles the full payload of an object and increments its
// access counter. A chunk that expired ahead of the metadata surfaces as
// ErrCorruptObject. The counter increment is a read-modify-write and can
// lose updates under concurrent fetches; last writer wins.
func (r *Repository) Fetch(ctx context.Context, objectID string) ([]byte, *StoredObject, error) {
	obj, err := r.GetMetadata(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}

	chunks := make([][]byte, len(obj.ChunkKeys))
	for i, key := range obj.ChunkKeys {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil, fmt.Errorf("%w: chunk %d of %s missing", ErrCorruptObject, i, objectID)
		}
		if err != nil {
			return nil, nil, backendErr(err)
		}
		chunks[i] = data
	}

	payload := AssembleChunks(chunks)
	if int64(len(payload)) != obj.Size {
		return nil, nil, fmt.Errorf("%w: reassembled %d bytes, metadata records %d", ErrCorruptObject, len(payload), obj.Size)
	}

	obj.AccessCount++
	if err := r.putMetadata(ctx, obj, r.remainingTTL(obj)); err != nil {
		return nil, nil, err
	}

	return payload, obj, nil
}

// GetMetadata returns the metadata record, or ErrObjectNotFound.
func (r *Repository) GetMetadata(ctx context.Context, objectID string) (*StoredObject, error) {
	data, err := r.store.Get(ctx, metadataKey(objectID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, backendErr(err)
	}

	obj := &StoredObject{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("%w: undecodable metadata for %s", ErrCorruptObject, objectID)
	}
	return obj, nil
}

// Delete removes an object and everything derived from it: every chunk
// key, the metadata key, the thumbnail key and both index entries.
// Returns false when the object does not exist and ErrForbidden when the
// caller does not own it.
func (r *Repository) Delete(ctx context.Context, ownerID, objectID string) (bool, error) {
	obj, err := r.GetMetadata(ctx, objectID)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if obj.Owner != ownerID {
		return false, fmt.Errorf("%w: object %s is not owned by %s", ErrForbidden, objectID, ownerID)
	}

	for _, key := range obj.ChunkKeys {
		if err := r.store.Delete(ctx, key); err != nil {
			return false, backendErr(err)
		}
	}
	if err := r.store.Delete(ctx, metadataKey(objectID)); err != nil {
		return false, backendErr(err)
	}
	if err := r.store.Delete(ctx, thumbnailKey(objectID)); err != nil {
		return false, backendErr(err)
	}
	if obj.ShareToken != "" {
		if err := r.store.Delete(ctx, shareKey(obj.ShareToken)); err != nil {
			return false, backendErr(err)
		}
	}

	if err := r.store.SetRemove(ctx, ownerSet(ownerID), objectID); err != nil {
		return false, backendErr(err)
	}
	if err := r.store.SortedRemove(ctx, recencyIndex, objectID); err != nil {
		return false, backendErr(err)
	}

	if r.stats != nil {
		if err := r.stats.Record(ctx, ownerID, OpDelete, -obj.Size); err != nil {
			return false, err
		}
	}

	log.Debug().Str("object", objectID).Str("owner", ownerID).Msg("object deleted")
	return true, nil
}

// List returns one page of the owner's objects, newest first, plus the
// live total after filtering. The snapshot is materialized once per call;
// pages taken from a mutating owner set are not snapshot-consistent
// across calls.
func (r *Repository) List(ctx context.Context, ownerID string, page, pageSize int, nameFilter string) ([]*StoredObject, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	ids, err := r.store.SetMembers(ctx, ownerSet(ownerID))
	if err != nil {
		return nil, 0, backendErr(err)
	}

	filter := strings.ToLower(nameFilter)
	objects := make([]*StoredObject, 0, len(ids))
	for _, id := range ids {
		obj, err := r.GetMetadata(ctx, id)
		if errors.Is(err, ErrObjectNotFound) {
			// Metadata expired under the index entry; skip it.
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if filter != "" && !strings.Contains(strings.ToLower(obj.Name), filter) {
			continue
		}
		objects = append(objects, obj)
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].CreatedAt.After(objects[j].CreatedAt)
	})

	total := len(objects)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return objects[start:end], total, nil
}

// putMetadata serializes and writes a metadata record with the given TTL.
func (r *Repository) putMetadata(ctx context.Context, obj *StoredObject, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := r.store.Set(ctx, metadataKey(obj.ID), data, ttl); err != nil {
		return backendErr(err)
	}
	return nil
}

// remainingTTL computes how much of the object's TTL window is left, so a
// metadata rewrite does not outlive the object's chunks.
func (r *Repository) remainingTTL(obj *StoredObject) time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	remaining := r.ttl - time.Since(obj.CreatedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// backendErr wraps a backing-store failure in the user-visible sentinel.
func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
