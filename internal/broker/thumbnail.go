package broker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"time"

	// Registered for image.Decode; uploads declare png/gif but previews
	// are always re-encoded to JPEG.
	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/filebroker/filebroker/internal/metrics"
	"github.com/filebroker/filebroker/internal/store"
)

// thumbnailJob is one pending derivation.
type thumbnailJob struct {
	objectID string
	payload  []byte
}

// Thumbnailer derives bounded-size JPEG previews for image objects in the
// background. Derivation failures are logged and never surface to the
// upload that scheduled them; the object stays valid without a preview.
type Thumbnailer struct {
	store        *store.Store
	ttl          time.Duration
	maxDimension int
	quality      int

	jobs chan thumbnailJob
	wg   sync.WaitGroup
	m    *metrics.BrokerMetrics

	closeOnce sync.Once
}

// NewThumbnailer starts a thumbnailer with the given worker pool size and
// queue length. m may be nil. Close must be called to drain the workers.
func NewThumbnailer(st *store.Store, ttl time.Duration, maxDimension, quality, workers, queue int, m *metrics.BrokerMetrics) *Thumbnailer {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}

	t := &Thumbnailer{
		store:        st,
		ttl:          ttl,
		maxDimension: maxDimension,
		quality:      quality,
		jobs:         make(chan thumbnailJob, queue),
		m:            m,
	}

	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	return t
}

// Schedule queues a derivation without blocking the caller. When the
// queue is saturated the job is dropped; the object simply has no preview.
func (t *Thumbnailer) Schedule(objectID string, payload []byte) {
	select {
	case t.jobs <- thumbnailJob{objectID: objectID, payload: payload}:
	default:
		log.Warn().Str("object", objectID).Msg("thumbnail queue full, dropping derivation")
		if t.m != nil {
			t.m.ThumbnailsFailed.Inc()
		}
	}
}

// Close stops accepting jobs and waits for in-flight derivations.
func (t *Thumbnailer) Close() {
	t.closeOnce.Do(func() {
		close(t.jobs)
	})
	t.wg.Wait()
}

// Thumbnail returns the stored preview bytes for an object, or
// ErrThumbnailNotFound when none exists (never derived, failed, or expired).
func (t *Thumbnailer) Thumbnail(ctx context.Context, objectID string) ([]byte, error) {
	data, err := t.store.Get(ctx, thumbnailKey(objectID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrThumbnailNotFound
	}
	if err != nil {
		return nil, backendErr(err)
	}
	return data, nil
}

func (t *Thumbnailer) worker() {
	defer t.wg.Done()
	for job := range t.jobs {
		if err := t.derive(job.objectID, job.payload); err != nil {
			log.Warn().Err(err).Str("object", job.objectID).Msg("thumbnail derivation failed")
			if t.m != nil {
				t.m.ThumbnailsFailed.Inc()
			}
			continue
		}
		if t.m != nil {
			t.m.ThumbnailsDerived.Inc()
		}
	}
}

// derive decodes the payload, fits it into the preview box and stores the
// re-encoded JPEG under the object's thumbnail key with the object TTL.
func (t *Thumbnailer) derive(objectID string, payload []byte) error {
	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	dst := image.NewRGBA(fitBounds(src.Bounds(), t.maxDimension))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: t.quality}); err != nil {
		return err
	}

	if err := t.store.Set(context.Background(), thumbnailKey(objectID), buf.Bytes(), t.ttl); err != nil {
		return err
	}

	log.Debug().Str("object", objectID).Int("bytes", buf.Len()).Msg("thumbnail stored")
	return nil
}

// fitBounds scales a rectangle to fit inside a square box of the given
// side, preserving aspect ratio. Images already inside the box keep their
// original dimensions.
func fitBounds(b image.Rectangle, maxSide int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return image.Rect(0, 0, w, h)
	}

	if w >= h {
		scaled := h * maxSide / w
		if scaled < 1 {
			scaled = 1
		}
		return image.Rect(0, 0, maxSide, scaled)
	}
	scaled := w * maxSide / h
	if scaled < 1 {
		scaled = 1
	}
	return image.Rect(0, 0, scaled, maxSide)
}
