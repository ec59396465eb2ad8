package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/engine"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/royalcat/geocluster/scheduler"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MaxBodySize = 32 * 1000 * 1000 // 32MB

const sweepInterval = time.Minute

var meter = otel.Meter("github.com/royalcat/geocluster/server")

type Config struct {
	Cluster     clusterer.Options
	QuietWindow time.Duration
	Fit         reconciler.FitPolicy
	// shared by every session; nil means the process-wide caches
	Distances *distcache.Cache
	Popups    *popupcache.Cache
}

func DefaultConfig() Config {
	return Config{
		Cluster:     clusterer.DefaultOptions(),
		QuietWindow: scheduler.DefaultQuietWindow,
		Fit:         reconciler.DefaultFitPolicy(),
	}
}

func Run(ctx context.Context, address string, config Config) error {
	log := slog.Default()

	s, err := newServer(config)
	if err != nil {
		return err
	}
	defer s.closeSessions()

	go s.config.Distances.RunSweeper(ctx, sweepInterval)

	server := &fasthttp.Server{
		ReadTimeout:        time.Second,
		MaxRequestBodySize: MaxBodySize,
		Handler:            s.router().Handler,
	}

	go func() {
		log.Info("Server listening", "address", address)
		if err := server.ListenAndServe(address); err != http.ErrServerClosed {
			stdlog.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	slog.Info("Server started")

	// wait cancel
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return server.ShutdownWithContext(shutdownCtx)
}

type server struct {
	config    Config
	clusterer *clusterer.Clusterer
	sessions  *xsync.MapOf[string, *session]
	log       *slog.Logger

	metricRequests         metric.Int64Counter
	metricMarkersClustered metric.Int64Counter
	metricSessions         metric.Int64UpDownCounter
}

func newServer(config Config) (*server, error) {
	if config.Distances == nil {
		config.Distances = distcache.Default()
	}
	if config.Popups == nil {
		config.Popups = popupcache.Default()
	}

	c, err := clusterer.New(config.Cluster, config.Distances)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster options: %w", err)
	}

	metricRequests, err := meter.Int64Counter("http_requests_total")
	if err != nil {
		return nil, err
	}
	metricMarkersClustered, err := meter.Int64Counter("markers_clustered_total")
	if err != nil {
		return nil, err
	}
	metricSessions, err := meter.Int64UpDownCounter("sessions_active")
	if err != nil {
		return nil, err
	}

	return &server{
		config:    config,
		clusterer: c,
		sessions:  xsync.NewMapOf[string, *session](),
		log:       slog.With("component", "server"),

		metricRequests:         metricRequests,
		metricMarkersClustered: metricMarkersClustered,
		metricSessions:         metricSessions,
	}, nil
}

func (s *server) router() *router.Router {
	r := router.New()
	r.POST("/cluster", s.instrument("cluster", s.ClusterHandler))
	r.POST("/cluster/points", s.instrument("cluster_points", s.ClusterPointsHandler))
	r.POST("/sessions", s.instrument("session_create", s.CreateSessionHandler))
	r.DELETE("/sessions/{id}", s.instrument("session_delete", s.DeleteSessionHandler))
	r.PUT("/sessions/{id}/entities", s.instrument("session_entities", s.withSession(s.EntitiesHandler)))
	r.PUT("/sessions/{id}/viewport", s.instrument("session_viewport", s.withSession(s.ViewportHandler)))
	r.PUT("/sessions/{id}/reference", s.instrument("session_reference", s.withSession(s.ReferenceHandler)))
	r.POST("/sessions/{id}/refresh", s.instrument("session_refresh", s.withSession(s.RefreshHandler)))
	r.GET("/sessions/{id}/markers", s.instrument("session_markers", s.withSession(s.MarkersHandler)))
	r.GET("/sessions/{id}/stats", s.instrument("session_stats", s.withSession(s.StatsHandler)))
	r.GET("/sessions/{id}/clusters/{cid}", s.instrument("session_cluster", s.withSession(s.ClusterMembersHandler)))
	r.GET("/sessions/{id}/detail/{mid}", s.instrument("session_detail", s.withSession(s.DetailHandler)))
	r.DELETE("/sessions/{id}/detail", s.instrument("session_detail_hide", s.withSession(s.HideDetailHandler)))
	r.POST("/caches/invalidate", s.instrument("caches_invalidate", s.InvalidateCachesHandler))
	r.Handle(http.MethodGet, "/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	return r
}

func (s *server) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	attrs := metric.WithAttributes(attribute.String("route", route))
	return func(ctx *fasthttp.RequestCtx) {
		s.metricRequests.Add(ctx, 1, attrs)
		h(ctx)
	}
}

type sessionHandler func(ctx *fasthttp.RequestCtx, sess *session)

func (s *server) withSession(h sessionHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := ctx.UserValue("id").(string)
		sess, ok := s.sessions.Load(id)
		if !ok {
			ctx.Response.SetStatusCode(http.StatusNotFound)
			ctx.Response.SetBodyString("unknown session")
			return
		}
		h(ctx, sess)
	}
}

var pointsPool = sync.Pool{
	New: func() any {
		return []geomodel.Marker{}
	},
}

type clusterRequest struct {
	Zoom     int               `json:"zoom"`
	Entities []geomodel.Entity `json:"entities"`
	Markers  []geomodel.Marker `json:"markers"`
}

func (req clusterRequest) markers() []geomodel.Marker {
	return append(geomodel.MarkersFromEntities(req.Entities), geomodel.ValidMarkers(req.Markers)...)
}

// ClusterHandler clusters a posted set without a session and answers with a
// GeoJSON feature collection.
func (s *server) ClusterHandler(ctx *fasthttp.RequestCtx) {
	var req clusterRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("failed to parse request: " + err.Error())
		return
	}

	markers := req.markers()
	s.metricMarkersClustered.Add(ctx, int64(len(markers)))
	s.writeGeoJSON(ctx, s.clusterer.Cluster(markers, geomodel.ClampZoom(req.Zoom)))
}

// ClusterPointsHandler clusters a compact [[lat, lon], ...] body at the zoom
// given by the "zoom" query argument.
func (s *server) ClusterPointsHandler(ctx *fasthttp.RequestCtx) {
	zoom, err := strconv.Atoi(string(ctx.QueryArgs().Peek("zoom")))
	if err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("invalid zoom")
		return
	}

	markers := pointsPool.Get().([]geomodel.Marker)
	markers = markers[:0]
	defer func() { pointsPool.Put(markers[:0]) }()

	if err := decodePoints(ctx.Request.Body(), &markers); err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("failed to parse request: " + err.Error())
		return
	}

	s.metricMarkersClustered.Add(ctx, int64(len(markers)))
	s.writeGeoJSON(ctx, s.clusterer.Cluster(markers, geomodel.ClampZoom(zoom)))
}

func (s *server) CreateSessionHandler(ctx *fasthttp.RequestCtx) {
	var req sessionRequest
	if body := ctx.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			ctx.Response.SetStatusCode(http.StatusBadRequest)
			ctx.Response.SetBodyString("failed to parse request: " + err.Error())
			return
		}
	}

	sess, err := s.newSession(req)
	if err != nil {
		s.log.Error("Failed to create session", "error", err)
		ctx.Response.SetStatusCode(http.StatusInternalServerError)
		return
	}
	s.metricSessions.Add(ctx, 1)

	writeJSON(ctx, http.StatusCreated, sessionResponse{ID: sess.id, Created: sess.created})
}

func (s *server) DeleteSessionHandler(ctx *fasthttp.RequestCtx) {
	if !s.closeSession(ctx.UserValue("id").(string)) {
		ctx.Response.SetStatusCode(http.StatusNotFound)
		return
	}
	s.metricSessions.Add(ctx, -1)
	ctx.Response.SetStatusCode(http.StatusNoContent)
}

func (s *server) EntitiesHandler(ctx *fasthttp.RequestCtx, sess *session) {
	var entities []geomodel.Entity
	if err := json.Unmarshal(ctx.Request.Body(), &entities); err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("failed to parse request: " + err.Error())
		return
	}
	sess.engine.SetEntities(entities)
	ctx.Response.SetStatusCode(http.StatusAccepted)
}

func (s *server) ViewportHandler(ctx *fasthttp.RequestCtx, sess *session) {
	var viewport geomodel.Viewport
	if err := json.Unmarshal(ctx.Request.Body(), &viewport); err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("failed to parse request: " + err.Error())
		return
	}
	sess.engine.SetViewport(viewport)
	ctx.Response.SetStatusCode(http.StatusAccepted)
}

// ReferenceHandler moves the viewer location used for fitting and detail
// distances. An empty body or null clears it.
func (s *server) ReferenceHandler(ctx *fasthttp.RequestCtx, sess *session) {
	var reference *geomodel.Coordinate
	if body := ctx.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &reference); err != nil {
			ctx.Response.SetStatusCode(http.StatusBadRequest)
			ctx.Response.SetBodyString("failed to parse request: " + err.Error())
			return
		}
	}
	if reference != nil && !reference.Valid() {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString("reference outside lat/lon range")
		return
	}
	sess.engine.SetReference(reference)
	ctx.Response.SetStatusCode(http.StatusAccepted)
}

// RefreshHandler recomputes the session now and answers with its stats.
func (s *server) RefreshHandler(ctx *fasthttp.RequestCtx, sess *session) {
	if err := sess.engine.ForceRecompute(); err != nil {
		ctx.Response.SetStatusCode(http.StatusGone)
		return
	}
	writeJSON(ctx, http.StatusOK, sess.stats())
}

// MarkersHandler returns the settled markers. With ?bbox=minLon,minLat,maxLon,maxLat
// it answers from the drawn surface instead, limited to that area.
func (s *server) MarkersHandler(ctx *fasthttp.RequestCtx, sess *session) {
	if sess.engine.Loading() {
		ctx.Response.Header.Set("X-Loading", "true")
	}

	bbox := ctx.QueryArgs().Peek("bbox")
	if len(bbox) == 0 {
		s.writeGeoJSON(ctx, sess.engine.Markers())
		return
	}

	bound, err := geomodel.ParseBound(string(bbox))
	if err != nil {
		ctx.Response.SetStatusCode(http.StatusBadRequest)
		ctx.Response.SetBodyString(err.Error())
		return
	}
	objects := sess.surface.Within(bound)
	markers := make([]geomodel.Marker, len(objects))
	for i, o := range objects {
		m := o.Marker
		m.Lat, m.Lon = o.Coordinate.Lat, o.Coordinate.Lon
		markers[i] = m
	}
	s.writeGeoJSON(ctx, markers)
}

func (s *server) StatsHandler(ctx *fasthttp.RequestCtx, sess *session) {
	writeJSON(ctx, http.StatusOK, sess.stats())
}

func (s *server) ClusterMembersHandler(ctx *fasthttp.RequestCtx, sess *session) {
	members, ok := sess.engine.ClusterMembers(ctx.UserValue("cid").(string))
	if !ok {
		ctx.Response.SetStatusCode(http.StatusNotFound)
		return
	}
	writeJSON(ctx, http.StatusOK, members)
}

func (s *server) DetailHandler(ctx *fasthttp.RequestCtx, sess *session) {
	payload, err := sess.engine.ShowDetail(ctx.UserValue("mid").(string))
	switch {
	case errors.Is(err, engine.ErrUnknownMarker):
		ctx.Response.SetStatusCode(http.StatusNotFound)
		return
	case err != nil:
		// the payload is still useful without an overlay on the surface
		s.log.Warn("Failed to show detail overlay", "session", sess.id, "error", err)
	}
	writeJSON(ctx, http.StatusOK, payload)
}

func (s *server) HideDetailHandler(ctx *fasthttp.RequestCtx, sess *session) {
	if err := sess.engine.HideDetail(); err != nil {
		ctx.Response.SetStatusCode(http.StatusInternalServerError)
		ctx.Response.SetBodyString(err.Error())
		return
	}
	ctx.Response.SetStatusCode(http.StatusNoContent)
}

func (s *server) InvalidateCachesHandler(ctx *fasthttp.RequestCtx) {
	s.config.Distances.Purge()
	s.config.Popups.Purge()
	ctx.Response.SetStatusCode(http.StatusNoContent)
}

func (s *server) writeGeoJSON(ctx *fasthttp.RequestCtx, markers []geomodel.Marker) {
	data, err := featureCollection(markers).MarshalJSON()
	if err != nil {
		ctx.Response.SetStatusCode(http.StatusInternalServerError)
		ctx.Response.SetBodyString("failed to marshal response")
		return
	}
	ctx.Response.Header.SetContentType("application/geo+json")
	ctx.Response.SetStatusCode(http.StatusOK)
	ctx.Response.SetBody(data)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Response.SetStatusCode(http.StatusInternalServerError)
		ctx.Response.SetBodyString("failed to marshal response")
		return
	}
	ctx.Response.Header.SetContentType("application/json")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBody(data)
}
