package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/madrid-enricher/internal/enrich"
	"github.com/tinytelemetry/madrid-enricher/internal/metrics"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

// Store is the narrow store contract required by the HTTP API.
type Store interface {
	model.Pinger
	model.StatusCounter
}

// Server exposes the enrichment endpoints.
type Server struct {
	addr      string
	store     Store
	runner    *enrich.Runner
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	serveDone chan struct{}
	serveErr  error
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store Store, runner *enrich.Runner) *Server {
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		store:     store,
		runner:    runner,
		ctx:       ctx,
		cancel:    cancel,
		serveDone: make(chan struct{}),
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", s.handlePing)
	r.GET("/ready", s.handleReady)
	r.GET("/", s.handlePreview)
	r.POST("/enrich", s.handleEnrich)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	// Runs may take the whole budget; the response must still get out.
	writeTimeout := time.Duration(0)
	if budget := s.runner.Config().RunBudget; budget > 0 {
		writeTimeout = budget + 30*time.Second
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		defer close(s.serveDone)
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("httpserver: serve: %v", err)
			s.serveErr = err
		}
	}()
	return nil
}

// Wait blocks until the server stops serving. It returns nil after a
// graceful Stop and the serve error otherwise.
func (s *Server) Wait() error {
	<-s.serveDone
	return s.serveErr
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. In-flight runs see their
// context cancelled and hand their claims back before responding.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func errorBody(err error) gin.H {
	return gin.H{"status": "error", "error": err.Error()}
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.Printf("httpserver: readiness check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, errorBody(fmt.Errorf("%w: %v", enrich.ErrDependencyUnavailable, err)))
		return
	}

	provider := "configured"
	if !s.runner.HasProvider() {
		provider = "missing"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"store":    "ok",
		"provider": provider,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
	})
}

type previewParams struct {
	Limit int  `form:"limit,default=5" binding:"min=1,max=100"`
	Dry   bool `form:"dry,default=true"`
}

func (s *Server) handlePreview(c *gin.Context) {
	var p previewParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(badParams(err)))
		return
	}

	if !p.Dry {
		s.respondRun(c, enrich.RunOptions{Batch: p.Limit, Sleep: model.DefaultSleep, MaxBatches: 1})
		return
	}

	res, err := s.runner.Preview(c.Request.Context(), enrich.PreviewOptions{
		Limit:  p.Limit,
		Enrich: s.runner.HasProvider(),
		Sleep:  model.DefaultSleep,
	})
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"dry":        true,
		"count":      res.Count,
		"enriched":   res.Enriched,
		"candidates": res.Candidates,
	})
}

type enrichParams struct {
	Batch      int     `form:"batch,default=25" binding:"min=1,max=500"`
	Sleep      float64 `form:"sleep,default=0.15" binding:"min=0,max=60"`
	MaxBatches int     `form:"max_batches,default=9999" binding:"min=1,max=100000"`
}

func (s *Server) handleEnrich(c *gin.Context) {
	var p enrichParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(badParams(err)))
		return
	}
	if math.IsNaN(p.Sleep) || math.IsInf(p.Sleep, 0) {
		c.JSON(http.StatusBadRequest, errorBody(badParams(errors.New("sleep must be a finite number"))))
		return
	}

	s.respondRun(c, enrich.RunOptions{
		Batch:      p.Batch,
		Sleep:      time.Duration(p.Sleep * float64(time.Second)),
		MaxBatches: p.MaxBatches,
	})
}

// runResponse is the JSON body of a run. updated mirrors enriched for
// callers of the earlier API.
type runResponse struct {
	model.Summary
	Updated        int     `json:"updated"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

func (s *Server) respondRun(c *gin.Context, opts enrich.RunOptions) {
	sum, err := s.runner.Run(c.Request.Context(), opts)
	if err != nil && sum.RunID == "" {
		c.JSON(statusFor(err), errorBody(err))
		return
	}

	body := runResponse{
		Summary:        sum,
		Updated:        sum.Enriched,
		ElapsedSeconds: math.Round(sum.Elapsed().Seconds()*1000) / 1000,
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"status": "error", "error": err.Error(), "summary": body})
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	counts, err := s.store.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(fmt.Errorf("%w: %v", enrich.ErrDependencyUnavailable, err)))
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"counts": counts,
		"total":  total,
	})
}

func badParams(err error) error {
	return fmt.Errorf("%w: bad query params: %v", enrich.ErrInvalidParameter, err)
}

// statusFor maps run errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, enrich.ErrInvalidParameter) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
