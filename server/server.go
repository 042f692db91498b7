package server

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/krau/clothtagger/service"
)

const DefaultMaxBatchSize = 50

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*image.NRGBA, error)
}

type Options struct {
	MaxBatchSize int
}

// Server serves classification over HTTP. It reports "loading" until a
// classifier is installed with SetClassifier.
type Server struct {
	fetcher    Fetcher
	classifier atomic.Pointer[service.Classifier]
	maxBatch   int
}

func New(fetcher Fetcher, opts Options) *Server {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Server{fetcher: fetcher, maxBatch: opts.MaxBatchSize}
}

// SetClassifier marks the server ready. It is called once, after startup.
func (s *Server) SetClassifier(c *service.Classifier) {
	s.classifier.Store(c)
}

func (s *Server) Ready() bool {
	return s.classifier.Load() != nil
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(), cors())

	r.GET("/health", s.HealthHandler)
	r.POST("/classify", s.ClassifyHandler)
	r.POST("/classify/batch", s.ClassifyBatchHandler)
	return r
}
