// Package server 通过 HTTP 提供模型目录, 选择策略和抠图接口
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/history"
	"github.com/chaos-io/bgstudio/logger"
	"github.com/chaos-io/bgstudio/registry"
	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/gin-gonic/gin"
)

const serviceName = "bgstudio"

type Registry interface {
	GetAllModels(ctx context.Context, activeOnly bool) []catalog.ModelInfo
	GetModelByID(ctx context.Context, id string) *catalog.ModelInfo
	GetModelsByTag(ctx context.Context, tag string) []catalog.ModelInfo
	GetModelsByMarketplace(ctx context.Context, marketplace string) []catalog.ModelInfo
	GetSummary(ctx context.Context) registry.Summary
}

type Policy interface {
	SelectModel(ctx context.Context, req selection.Request) selection.Result
	GetFallbackModel(ctx context.Context, failedModelID, errorReason string) selection.Result
	ExplainSelectionPolicy() selection.Explanation
}

type Processor interface {
	Process(ctx context.Context, img image.Image, opts rembg.Options) (*rembg.Result, error)
}

type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type Options struct {
	MaxUploadMB     int
	OutputDir       string
	FalConfigured   bool
	ShutdownTimeout time.Duration
}

type Server struct {
	registry  Registry
	policy    Policy
	processor Processor
	history   History
	opts      Options
	logger    *slog.Logger
	engine    *gin.Engine
}

type Option func(*Server)

func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(reg Registry, pol Policy, proc Processor, opts Options, sopts ...Option) *Server {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		registry:  reg,
		policy:    pol,
		processor: proc,
		opts:      opts,
		logger:    logger.Default(),
	}
	for _, o := range sopts {
		o(s)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), requestLogger(s.logger), recovery(s.logger))

	r.GET("/health", s.health)
	r.GET("/models", s.listModels)
	r.GET("/models/summary", s.summary)
	r.GET("/models/:id", s.getModel)
	r.GET("/policy", s.explainPolicy)
	r.POST("/select", s.selectModel)
	r.POST("/fallback", s.fallback)
	r.POST("/remove-background", s.removeBackground)
	r.GET("/history", s.listHistory)
	return r
}

// Run 监听 addr 直到 ctx 取消
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上提供服务, ctx 取消时优雅关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
