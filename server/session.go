package server

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/royalcat/geocluster/engine"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/surface"
)

// session is one headless map view: an engine rendering to a memory surface.
type session struct {
	id      string
	created time.Time
	surface *surface.Memory
	engine  *engine.Engine[surface.Handle]
}

type sessionRequest struct {
	Reference *geomodel.Coordinate `json:"reference,omitempty"`
	Viewport  *geomodel.Viewport   `json:"viewport,omitempty"`
}

type sessionResponse struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
}

type sessionStats struct {
	engine.Stats
	Surface surface.Counters `json:"surface"`
	Zoom    int              `json:"zoom"`
}

func (s *server) newSession(req sessionRequest) (*session, error) {
	id := uuid.NewString()
	mem := surface.NewMemory()

	opts := []engine.Option{
		engine.WithClusterOptions(s.config.Cluster),
		engine.WithDistanceCache(s.config.Distances),
		engine.WithPopupCache(s.config.Popups),
		engine.WithQuietWindow(s.config.QuietWindow),
		engine.WithFitPolicy(s.config.Fit),
		engine.WithLogger(slog.With("session", id)),
	}
	if req.Reference != nil && req.Reference.Valid() {
		opts = append(opts, engine.WithReference(*req.Reference))
	}

	e, err := engine.New[surface.Handle](mem, opts...)
	if err != nil {
		return nil, err
	}

	sess := &session{
		id:      id,
		created: time.Now(),
		surface: mem,
		engine:  e,
	}
	if req.Viewport != nil {
		e.SetViewport(*req.Viewport)
	}
	s.sessions.Store(sess.id, sess)
	return sess, nil
}

func (s *server) closeSession(id string) bool {
	sess, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	if err := sess.engine.Close(); err != nil {
		s.log.Warn("Error closing session", "session", id, "error", err)
	}
	return true
}

func (s *server) closeSessions() {
	s.sessions.Range(func(id string, _ *session) bool {
		s.closeSession(id)
		return true
	})
}

func (sess *session) stats() sessionStats {
	return sessionStats{
		Stats:   sess.engine.Stats(),
		Surface: sess.surface.Counters(),
		Zoom:    sess.engine.Viewport().Zoom,
	}
}
