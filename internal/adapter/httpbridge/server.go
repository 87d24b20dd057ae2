// Package httpbridge carries the bridge contract over HTTP JSON.
//
// Server exposes any bridge.Bridge (usually a local engine) through gin;
// Client implements bridge.Bridge by calling such a server, so a
// txqueue.Manager can drive a database living in another process.
package httpbridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"txqueue/internal/bridge"
	"txqueue/internal/shared"
)

// ServerOptions configure Server.
type ServerOptions struct {
	// Secret enables bearer authentication when non-empty.
	Secret []byte
	// BatchTimeout bounds one /v1/batch call. Zero means no limit.
	BatchTimeout time.Duration
	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64
}

// Server serves a bridge over HTTP.
type Server struct {
	bridge bridge.Bridge
	opts   ServerOptions
	log    *slog.Logger
	router *gin.Engine
}

// NewServer builds the router for b.
func NewServer(b bridge.Bridge, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	// statement params arrive as json.Number so integers keep their precision
	binding.EnableDecoderUseNumber = true

	s := &Server{
		bridge: b,
		opts:   opts,
		log:    logger.With(slog.String("component", "httpbridge")),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.logRequests())
	r.GET(pathHealthz, s.handleHealthz)

	v1 := r.Group("")
	if len(opts.Secret) > 0 {
		v1.Use(requireAuth(opts.Secret))
	} else {
		s.log.Warn("bridge authentication disabled")
	}
	v1.POST(pathOpen, s.handleOpen)
	v1.POST(pathClose, s.handleClose)
	v1.POST(pathDelete, s.handleDelete)
	v1.GET(pathIsOpen, s.handleIsOpen)
	v1.POST(pathBatch, s.handleBatch)

	s.router = r
	return s
}

// Handler returns the http.Handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(headerRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("dur", time.Since(start)),
			slog.String("request_id", c.GetString(headerRequestID)))
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), errorResponse{
		Error:     toWire(err),
		RequestID: c.GetString(headerRequestID),
	})
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("bridge call failed", slog.String("op", op), slog.Any("error", err),
			slog.String("request_id", c.GetString(headerRequestID)))
	}
	abortWithError(c, err)
}

func (s *Server) bind(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	if err := c.ShouldBindJSON(v); err != nil {
		abortWithError(c, shared.MarkKind(err, shared.KindValidation))
		return false
	}
	return true
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOpen(c *gin.Context) {
	var req dbRequest
	if !s.bind(c, &req) {
		return
	}
	loc, err := bridge.ParseLocation(req.Location)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.bridge.Open(c.Request.Context(), req.Name, loc); err != nil {
		s.fail(c, "open", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClose(c *gin.Context) {
	var req dbRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.bridge.Close(c.Request.Context(), req.Name); err != nil {
		s.fail(c, "close", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDelete(c *gin.Context) {
	var req dbRequest
	if !s.bind(c, &req) {
		return
	}
	loc, err := bridge.ParseLocation(req.Location)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.bridge.Delete(c.Request.Context(), req.Name, loc); err != nil {
		s.fail(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleIsOpen(c *gin.Context) {
	var q isOpenQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithError(c, shared.MarkKind(err, shared.KindValidation))
		return
	}
	open, err := s.bridge.IsOpen(c.Request.Context(), q.Name)
	if err != nil {
		s.fail(c, "is-open", err)
		return
	}
	c.JSON(http.StatusOK, isOpenResponse{Open: open})
}

func (s *Server) handleBatch(c *gin.Context) {
	var req batchRequest
	if !s.bind(c, &req) {
		return
	}
	normalizeRequests(req.Requests)

	ctx := c.Request.Context()
	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		defer cancel()
	}

	out, err := s.bridge.ExecuteBatch(ctx, req.Name, req.Requests)
	if err != nil {
		s.fail(c, "batch", err)
		return
	}
	if out == nil {
		out = []bridge.Outcome{}
	}
	c.JSON(http.StatusOK, batchResponse{Outcomes: out})
}
