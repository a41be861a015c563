// Package multipart is the in-memory multipart upload session
// registry: tracks in-progress uploads and reclaims ones abandoned
// past their TTL.
package multipart

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is a single in-progress multipart upload.
type Session struct {
	Path            string
	Filename        string
	EncodedFilename string
	MimeType        string
	LastUploadAt    time.Time
}

// Registry is a process-wide map of upload ID to Session, guarded by a
// single mutex, with a self-rescheduling background sweep that expires
// sessions idle longer than ttl.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	// registered gates the cleanup scheduler so at most one sweep is
	// ever pending: new sessions that arrive mid-sleep are covered by
	// the sweep that re-spawns after the current one finishes.
	registered atomic.Bool

	// onExpire is called, outside the lock, once per session the
	// sweep removes. It deletes the session's on-disk multipart
	// directory; its error is logged, not fatal.
	onExpire func(uploadID string) error

	logger zerolog.Logger
}

// New returns an empty Registry. onExpire is invoked for every session
// the cleanup sweep removes, to delete its on-disk multipart directory.
func New(ttl time.Duration, onExpire func(uploadID string) error, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		onExpire: onExpire,
		logger:   logger.With().Str("component", "multipart_registry").Logger(),
	}
}

// Create allocates a new upload ID, registers its session, and kicks
// the cleanup scheduler.
func (r *Registry) Create(path, filename, encodedFilename, mimeType string) string {
	uploadID := uuid.NewString()

	r.mu.Lock()
	r.sessions[uploadID] = &Session{
		Path:            path,
		Filename:        filename,
		EncodedFilename: encodedFilename,
		MimeType:        mimeType,
		LastUploadAt:    time.Now(),
	}
	r.mu.Unlock()

	r.logger.Debug().Str("upload_id", uploadID).Msg("multipart upload created")
	go r.cleanupOnce()

	return uploadID
}

// Touch records upload activity for uploadID and returns its session.
// ok is false if the upload ID is unknown or already expired.
func (r *Registry) Touch(uploadID string) (session Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[uploadID]
	if !exists {
		return Session{}, false
	}
	s.LastUploadAt = time.Now()
	return *s, true
}

// Exists reports whether uploadID names a currently-registered
// session, without touching its LastUploadAt.
func (r *Registry) Exists(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.sessions[uploadID]
	return exists
}

// Remove atomically removes and returns uploadID's session, if any.
func (r *Registry) Remove(uploadID string) (session Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[uploadID]
	if !exists {
		return Session{}, false
	}
	delete(r.sessions, uploadID)
	return *s, true
}

// cleanupOnce is the self-rescheduling sweep body. At most one
// instance ever sleeps at a time, gated by registered.
func (r *Registry) cleanupOnce() {
	if r.registered.Load() {
		r.logger.Debug().Msg("cleanup already registered, skipping")
		return
	}

	earliest, found := r.earliestLastUploadAt()
	if !found {
		r.logger.Debug().Msg("no sessions to clean up, skipping")
		return
	}

	wait := time.Until(earliest.Add(r.ttl + time.Second))
	owned := false
	if wait > 0 {
		if !r.registered.CompareAndSwap(false, true) {
			r.logger.Debug().Msg("cleanup already registered, skipping")
			return
		}
		owned = true
		r.logger.Debug().Dur("wait", wait).Msg("scheduling multipart cleanup sweep")
		time.Sleep(wait)
	}

	r.sweep()

	if owned {
		r.registered.Store(false)
	}
	go r.cleanupOnce()
}

func (r *Registry) earliestLastUploadAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest time.Time
	found := false
	for _, s := range r.sessions {
		if !found || s.LastUploadAt.Before(earliest) {
			earliest = s.LastUploadAt
			found = true
		}
	}
	return earliest, found
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.LastUploadAt) > r.ttl {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Debug().Str("upload_id", id).Msg("removing expired multipart upload")
		if err := r.onExpire(id); err != nil {
			r.logger.Error().Err(err).Str("upload_id", id).Msg("failed to remove expired multipart upload")
		}
	}
}
