package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/krau/clothtagger/service"
)

func (s *Server) HealthHandler(c *gin.Context) {
	cls := s.classifier.Load()
	status := "loading"
	if cls != nil {
		status = "healthy"
	}
	c.JSON(http.StatusOK, service.HealthResponse{
		Status:      status,
		ModelLoaded: cls != nil,
		Device:      cls.Device(),
	})
}

func (s *Server) ClassifyHandler(c *gin.Context) {
	var req service.ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	slog.Info("Classifying image", slog.String("url", req.ImageURL))

	labels, err := s.classify(c.Request.Context(), req.ImageURL)
	if err != nil {
		writeError(c, err)
		return
	}
	slog.Info("Classification complete",
		slog.String("top", labels[0].Name),
		slog.Float64("score", labels[0].Score))
	c.JSON(http.StatusOK, service.ClassifyResponse{Labels: labels})
}

// ClassifyBatchHandler classifies each entry in order. A failing entry gets
// an empty label list and does not stop the rest.
func (s *Server) ClassifyBatchHandler(c *gin.Context) {
	// Decoded without binding so one invalid entry cannot reject the batch.
	var reqs []service.ClassifyRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("invalid batch body: %s", err)})
		return
	}
	if len(reqs) > s.maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Maximum %d images per batch", s.maxBatch)})
		return
	}

	ctx := c.Request.Context()
	results := make([]service.ClassifyResponse, 0, len(reqs))
	for i, req := range reqs {
		labels, err := s.classifyEntry(ctx, &req)
		if err != nil {
			logBatchFailure(i, req.ImageURL, err)
			results = append(results, service.Empty())
			continue
		}
		results = append(results, service.ClassifyResponse{Labels: labels})
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) classifyEntry(ctx context.Context, req *service.ClassifyRequest) ([]service.LabelScore, error) {
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return nil, service.BadRequest("Invalid request", err)
	}
	return s.classify(ctx, req.ImageURL)
}

func (s *Server) classify(ctx context.Context, url string) ([]service.LabelScore, error) {
	cls := s.classifier.Load()
	if cls == nil {
		return nil, service.ErrModelNotLoaded
	}
	img, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return cls.Classify(img)
}

func logBatchFailure(i int, url string, err error) {
	var se *service.Error
	if errors.As(err, &se) {
		slog.Warn("Failed to classify batch entry",
			slog.Int("index", i),
			slog.String("url", url),
			slog.String("error", err.Error()))
		return
	}
	slog.Error("Batch entry failed",
		slog.Int("index", i),
		slog.String("url", url),
		slog.String("error", err.Error()))
}

func writeError(c *gin.Context, err error) {
	var se *service.Error
	if errors.As(err, &se) {
		c.JSON(se.Status, gin.H{"detail": se.Error()})
		return
	}
	slog.Error("Classification failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Classification failed"})
}
