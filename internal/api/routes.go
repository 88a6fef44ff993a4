package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avolkov/marketharvest/internal/collector"
	"github.com/avolkov/marketharvest/internal/database"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

type StatusResponse struct {
	Status    string                  `json:"status"`
	LastCycle *collector.CycleSummary `json:"last_cycle"`
}

// SummarySource exposes the most recent cycle outcome.
type SummarySource interface {
	LastSummary() *collector.CycleSummary
}

func SetupRoutes(router *gin.Engine, db *database.PostgresDB, redis *database.RedisClient, cycles SummarySource) {
	router.GET("/health", healthCheck(db, redis))
	router.GET("/status", cycleStatus(cycles))
}

func healthCheck(db *database.PostgresDB, redis *database.RedisClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Services: Services{
				Database: "ok",
				Redis:    "ok",
			},
		}

		// Check database health
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Database = "error"
			response.Status = "degraded"
		}

		// Check Redis health
		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}

func cycleStatus(cycles SummarySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary := cycles.LastSummary()
		if summary == nil {
			c.JSON(http.StatusOK, StatusResponse{Status: "starting"})
			return
		}
		c.JSON(http.StatusOK, StatusResponse{Status: "running", LastCycle: summary})
	}
}
