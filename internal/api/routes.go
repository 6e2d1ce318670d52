package api

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/db"
	"github.com/rawblock/expense-engine/internal/ingest"
	"github.com/rawblock/expense-engine/internal/jobs"
	"github.com/rawblock/expense-engine/internal/matching"
	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

type APIHandler struct {
	dbStore  *db.PostgresStore
	importer *ingest.Importer
	matcher  *matching.Engine
	resolver *resolver.Resolver
	queue    *jobs.Queue
	blobs    ports.BlobStore
	wsHub    *Hub
}

func SetupRouter(dbStore *db.PostgresStore, importer *ingest.Importer, matcher *matching.Engine, res *resolver.Resolver, queue *jobs.Queue, blobs ports.BlobStore, wsHub *Hub, rl *RateLimiter) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://app.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore:  dbStore,
		importer: importer,
		matcher:  matcher,
		resolver: res,
		queue:    queue,
		blobs:    blobs,
		wsHub:    wsHub,
	}

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware())
	if rl != nil {
		api.Use(rl.Middleware())
	}
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		api.POST("/receipts", handler.handleUploadReceipt)
		api.GET("/receipts", handler.handleListReceipts)
		api.GET("/receipts/:id", handler.handleGetReceipt)
		api.GET("/receipts/:id/candidates", handler.handleReceiptCandidates)
		api.POST("/receipts/:id/unmatch", handler.handleUnmatchReceipt)

		api.POST("/statements", handler.handleUploadStatement)
		api.GET("/statements/:id", handler.handleGetStatement)
		api.POST("/fingerprints/:id/confirm", handler.handleConfirmMapping)
		api.GET("/transactions", handler.handleListTransactions)
		api.POST("/transactions/group", handler.handleCreateGroup)
		api.DELETE("/transactions/group/:id", handler.handleDissolveGroup)

		api.POST("/matching/run", handler.handleRunMatching)
		api.GET("/matching/proposals", handler.handleListProposals)
		api.POST("/matching/proposals/:id/confirm", handler.handleConfirmProposal)
		api.POST("/matching/proposals/:id/reject", handler.handleRejectProposal)
		api.POST("/matching/manual", handler.handleManualMatch)

		api.POST("/split-patterns", handler.handleCreateSplitPattern)
		api.GET("/split-patterns", handler.handleListSplitPatterns)

		api.POST("/jobs", handler.handleEnqueueJob)
		api.GET("/jobs", handler.handleListJobs)
		api.GET("/jobs/:id", handler.handleGetJob)
		api.POST("/jobs/:id/cancel", handler.handleCancelJob)

		api.POST("/resolve", handler.handleResolve)
		api.POST("/resolve/confirm", handler.handleConfirmResolution)
		api.GET("/resolver/stats", handler.handleResolverStats)
	}

	return r
}

// userID pulls the acting user from the X-User-ID header. The engine scopes
// every read and write by it; there is no cross-user access path.
func userID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-User-ID header"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// respondError translates error kinds to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindUnrecognizedFormat:
		status = http.StatusUnprocessableEntity
	case models.KindProviderUnavailable, models.KindProviderTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleHealth returns engine status for service discovery, including the
// per-provider circuit breaker states.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "Expense Engine v1.0",
		"dbConnected": h.dbStore != nil,
		"breakers":    h.resolver.BreakerStates(),
	})
}

// BroadcastMatchAlert sends match lifecycle events via the WebSocket hub.
// This is wired as the alertFunc callback for the matching engine.
func BroadcastMatchAlert(wsHub *Hub) func(matching.MatchEvent) {
	return func(ev matching.MatchEvent) {
		payload := gin.H{
			"type":  "match_event",
			"event": ev,
		}
		alertBytes, _ := json.Marshal(payload)
		wsHub.Broadcast(alertBytes)
		log.Printf("[ALERT] match %s: receipt %s -> %s %s (score %.1f)",
			ev.Status, ev.ReceiptID, ev.Type, ev.TargetID, ev.Score)
	}
}
