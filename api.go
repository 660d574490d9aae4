package dataroute

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/routefile"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Server exposes a Session over HTTP.
type Server struct {
	Port      int
	session   *Session
	publisher *MQTTPublisher
	gatherer  prometheus.Gatherer
	sem       *semaphore.Weighted
	srv       *http.Server
}

// NewServer serves session on port. publisher and gatherer may be nil.
func NewServer(port int, session *Session, publisher *MQTTPublisher, gatherer prometheus.Gatherer) *Server {
	return &Server{
		Port:      port,
		session:   session,
		publisher: publisher,
		gatherer:  gatherer,
		sem:       semaphore.NewWeighted(1),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsHeaders)
	r.GET(URIRoutes, s.ListRoutes)
	r.POST(URIRoutes, s.CommitRoute)
	r.GET(URIRoute, s.GetRoute)
	r.DELETE(URIRoute, s.RemoveRoute)
	r.POST(URISubscribe, s.Subscribe)
	r.DELETE(URISubscribe, s.Unsubscribe)
	r.POST(URILogsDownload, s.DownloadLogs)
	if s.gatherer != nil {
		r.GET(URIMetrics, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	logFields := log.Fields{"fnct": "Start"}
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.Port), Handler: s.Router()}
	log.WithFields(logFields).Infof("HTTPListenerPort is %v. ", s.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithFields(logFields).Errorf("Listen and serve failed: %v.", err)
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsHeaders(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = "*"
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
	c.Header("Access-Control-Allow-Headers", "content-type")
	c.Header("Access-Control-Max-Age", "240")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, routeerr.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, routeerr.ErrResourceExhausted):
		return http.StatusConflict
	case routeerr.IsBuild(err), routeerr.IsCompile(err):
		return http.StatusBadRequest
	case errors.Is(err, routeerr.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, routeerr.ErrRouteRemoved):
		return http.StatusGone
	case errors.Is(err, routeerr.ErrCommandFailed), errors.Is(err, routeerr.ErrTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, logFields log.Fields, err error) {
	log.WithFields(logFields).Errorf("%v", err)
	c.JSON(statusOf(err), Output{Status: "Error", Answer: err.Error()})
}

func (s *Server) route(c *gin.Context) (*RouteManager, bool) {
	m, ok := s.session.Route(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, Output{Status: "Error", Answer: fmt.Sprintf("route %s not found", c.Param("id"))})
	}
	return m, ok
}

func (s *Server) ListRoutes(c *gin.Context) {
	routes := s.session.Routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, m := range routes {
		infos = append(infos, m.Info())
	}
	c.JSON(http.StatusOK, Output{Status: "OK", Answer: infos})
}

func (s *Server) GetRoute(c *gin.Context) {
	if m, ok := s.route(c); ok {
		c.JSON(http.StatusOK, Output{Status: "OK", Answer: m.Info()})
	}
}

// CommitRoute installs the route file in the body. Stream and log keys are
// published over MQTT when a publisher is configured.
func (s *Server) CommitRoute(c *gin.Context) {
	logFields := log.Fields{"fnct": "CommitRoute"}
	body, err := c.GetRawData()
	if err != nil {
		fail(c, logFields, errors.Wrap(routeerr.ErrInvalidConfig, err.Error()))
		return
	}
	f, err := routefile.Parse(body)
	if err != nil {
		fail(c, logFields, err)
		return
	}
	logFields["name"] = f.Name
	plan, err := f.Plan()
	if err != nil {
		fail(c, logFields, err)
		return
	}
	if !s.sem.TryAcquire(1) {
		fail(c, logFields, errors.Wrapf(routeerr.ErrBusy, "too busy to commit %s", f.Name))
		return
	}
	defer s.sem.Release(1)

	opts := []CommitOption{WithName(f.Name)}
	if s.publisher != nil {
		h := s.publisher.Handler(f.Name)
		for _, n := range plan.Endpoints() {
			if n.Op == route.OpStream || n.Op == route.OpLog {
				opts = append(opts, WithHandler(n.Key, h))
			}
		}
	}
	m, err := s.session.Commit(c.Request.Context(), plan, opts...)
	if err != nil {
		fail(c, logFields, err)
		return
	}
	log.WithFields(logFields).Infof("route committed: %s", m.ID())
	c.JSON(http.StatusCreated, Output{Status: "OK", Answer: m.Info()})
}

func (s *Server) RemoveRoute(c *gin.Context) {
	logFields := log.Fields{"fnct": "RemoveRoute", "route": c.Param("id")}
	m, ok := s.route(c)
	if !ok {
		return
	}
	if err := m.Remove(c.Request.Context()); err != nil {
		// the route is gone locally either way
		log.WithFields(logFields).Warnf("%v", err)
		c.JSON(http.StatusOK, Output{Status: "Incomplete", Answer: err.Error()})
		return
	}
	c.JSON(http.StatusOK, Output{Status: "OK", Answer: m.Info()})
}

// Subscribe publishes the key's samples over MQTT.
func (s *Server) Subscribe(c *gin.Context) {
	logFields := log.Fields{"fnct": "Subscribe", "route": c.Param("id"), "key": c.Param("key")}
	m, ok := s.route(c)
	if !ok {
		return
	}
	if s.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, Output{Status: "Error", Answer: "no MQTT broker configured"})
		return
	}
	name := m.Name()
	if name == "" {
		name = m.ID()
	}
	if err := m.Subscribe(c.Request.Context(), c.Param("key"), s.publisher.Handler(name)); err != nil {
		fail(c, logFields, err)
		return
	}
	c.JSON(http.StatusOK, Output{Status: "OK", Answer: Topic(s.publisher.prefix, name, c.Param("key"))})
}

func (s *Server) Unsubscribe(c *gin.Context) {
	logFields := log.Fields{"fnct": "Unsubscribe", "route": c.Param("id"), "key": c.Param("key")}
	m, ok := s.route(c)
	if !ok {
		return
	}
	removed, err := m.Unsubscribe(c.Request.Context(), c.Param("key"))
	if err != nil {
		fail(c, logFields, err)
		return
	}
	c.JSON(http.StatusOK, Output{Status: "OK", Answer: removed})
}

func (s *Server) DownloadLogs(c *gin.Context) {
	logFields := log.Fields{"fnct": "DownloadLogs"}
	var req DownloadReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, logFields, errors.Wrap(routeerr.ErrInvalidConfig, err.Error()))
			return
		}
	}
	samples, err := s.session.Download(c.Request.Context(), DownloadOptions{Erase: req.Erase, Persist: req.Persist})
	if err != nil {
		fail(c, logFields, err)
		return
	}
	answer := DownloadAnswer{Samples: len(samples), PerKey: map[string]int{}}
	for _, d := range samples {
		answer.PerKey[d.Key]++
	}
	if len(samples) > 0 {
		answer.From = samples[0].Timestamp
		answer.To = samples[len(samples)-1].Timestamp
	}
	c.JSON(http.StatusOK, Output{Status: "OK", Answer: answer})
}
