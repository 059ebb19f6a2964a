package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/pkg/config"
	"github.com/obok127/smartstore-chatbot/pkg/loader"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// knowledgeBase is what the API needs from *rag.PersistentKB.
type knowledgeBase interface {
	Upsert(ctx context.Context, docs []types.Document) (types.UpsertReport, error)
	Reset(ctx context.Context) error
	RebuildMissing(ctx context.Context, batchSize int) (types.RebuildReport, error)
	RetrieveWithReport(ctx context.Context, query string, k int) (types.Results, types.Report)
	Count() int
	DenseEnabled() bool
}

func newAPI(kb knowledgeBase, cfg config.Config, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", health(kb))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	e.POST("/api/search", search(kb, cfg.Retrieval))
	e.POST("/api/index", index(kb))
	e.POST("/api/reset", reset(kb))
	e.POST("/api/rebuild", rebuild(kb, cfg.Reindex.BatchSize))

	return e
}

func errorMessage(message string) map[string]string {
	return map[string]string{"error": message}
}

// statusFor maps knowledge base errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrDenseDisabled):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func health(kb knowledgeBase) func(c echo.Context) error {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, types.HealthResponse{
			Status:    "ok",
			Documents: kb.Count(),
			Dense:     kb.DenseEnabled(),
		})
	}
}

func search(kb knowledgeBase, retrieval config.RetrievalConfig) func(c echo.Context) error {
	return func(c echo.Context) error {
		r := new(types.SearchRequest)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		if r.Query == "" {
			return c.JSON(http.StatusBadRequest, errorMessage("query is required"))
		}
		if r.TopK <= 0 {
			r.TopK = retrieval.TopK
		}

		results, report := kb.RetrieveWithReport(c.Request().Context(), r.Query, r.TopK)
		if results == nil {
			results = types.Results{}
		}
		for _, o := range report.Outcomes {
			if o.Status == types.StatusFailed {
				xlog.Warn("Search degraded", "stage", o.Stage, "error", o.Err)
			}
		}

		return c.JSON(http.StatusOK, types.SearchResponse{
			Query:    r.Query,
			Results:  results,
			TopScore: results.TopScore(),
			Relevant: results.Relevant(retrieval.ScoreThreshold),
			Dense:    kb.DenseEnabled(),
		})
	}
}

func index(kb knowledgeBase) func(c echo.Context) error {
	return func(c echo.Context) error {
		r := new(types.IndexRequest)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}

		docs := r.Documents
		switch {
		case r.Path != "" && len(docs) > 0:
			return c.JSON(http.StatusBadRequest, errorMessage("set either documents or path, not both"))
		case r.Path != "":
			var err error
			docs, err = loader.LoadFile(r.Path)
			if err != nil {
				return c.JSON(http.StatusBadRequest, errorMessage("Failed to load documents: "+err.Error()))
			}
		case len(docs) == 0:
			return c.JSON(http.StatusBadRequest, errorMessage("no documents to index"))
		}

		ctx := c.Request().Context()
		if r.Reset {
			if err := kb.Reset(ctx); err != nil {
				return c.JSON(statusFor(err), errorMessage("Failed to reset: "+err.Error()))
			}
		}

		report, err := kb.Upsert(ctx, docs)
		if err != nil {
			return c.JSON(statusFor(err), errorMessage("Failed to index documents: "+err.Error()))
		}
		return c.JSON(http.StatusOK, report)
	}
}

func reset(kb knowledgeBase) func(c echo.Context) error {
	return func(c echo.Context) error {
		if err := kb.Reset(c.Request().Context()); err != nil {
			return c.JSON(statusFor(err), errorMessage("Failed to reset: "+err.Error()))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func rebuild(kb knowledgeBase, defaultBatchSize int) func(c echo.Context) error {
	return func(c echo.Context) error {
		r := new(types.RebuildRequest)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		if r.BatchSize <= 0 {
			r.BatchSize = defaultBatchSize
		}

		report, err := kb.RebuildMissing(c.Request().Context(), r.BatchSize)
		if err != nil {
			return c.JSON(statusFor(err), errorMessage("Failed to rebuild: "+err.Error()))
		}
		return c.JSON(http.StatusOK, report)
	}
}
