package runtime

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewHTTPHandler registers the run service facade on a gin engine. The
// endpoints are pure callers of the RunService; everything else the UI needs
// it reads from the ledger files directly.
func NewHTTPHandler(l *slog.Logger, service *RunService, g *gin.Engine) {
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "engines": service.Engines()})
	})

	g.POST("/runs", handleStartRun(l, service))
	g.GET("/runs", handleListRuns(l, service))
	g.GET("/runs/:id", handleGetRun(l, service))
	g.GET("/runs/:id/events", handleGetRunEvents(l, service))
	g.POST("/runs/:id/cancel", handleCancelRun(l, service))
}

func handleStartRun(l *slog.Logger, service *RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var spec RunSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Wrong request body format"})
			return
		}

		runID, err := service.StartRun(spec)
		if err != nil {
			var re *RunError
			if errors.As(err, &re) && re.Kind == KindConfiguration {
				c.JSON(http.StatusBadRequest, gin.H{"message": re.Message})
				return
			}
			l.Error("Failed to start run", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Error starting run: " + err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
	}
}

func handleListRuns(l *slog.Logger, service *RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := service.ListRuns()
		if err != nil {
			l.Error("Failed to list runs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Error listing runs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func handleGetRun(l *slog.Logger, service *RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := service.GetRunSummary(c.Param("id"))
		if err != nil {
			respondRunError(l, c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func handleGetRunEvents(l *slog.Logger, service *RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := service.ReadEvents(c.Param("id"))
		if err != nil {
			respondRunError(l, c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func handleCancelRun(l *slog.Logger, service *RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := service.CancelRun(c.Param("id")); err != nil {
			respondRunError(l, c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
	}
}

func respondRunError(l *slog.Logger, c *gin.Context, err error) {
	if errors.Is(err, ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	l.Error("Run query failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
}
