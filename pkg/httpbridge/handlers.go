package httpbridge

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/location"
	"github.com/soypete/locationcapture/pkg/locationlog"
	"github.com/soypete/locationcapture/pkg/syncer"
)

// maxBatchBody bounds POST /v1/locations request bodies.
const maxBatchBody = 8 << 20

// recentAttemptLimit is how many upload attempts the status reports.
const recentAttemptLimit = 10

// retrieveResponse is the body of GET /v1/locations.
type retrieveResponse struct {
	Locations  []location.Sample `json:"locations"`
	NextAnchor string            `json:"next_anchor"`
}

type retentionRequest struct {
	Days *int `json:"days"`
}

type statusResponse struct {
	QueueDepth     int              `json:"queue_depth"`
	RetentionDays  int              `json:"retention_days"`
	LatestAnchor   string           `json:"latest_anchor"`
	UploadEnabled  bool             `json:"upload_enabled"`
	Subscribers    int              `json:"subscribers"`
	RecentAttempts []syncer.Attempt `json:"recent_attempts"`
}

// handleHealthz reports service health.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleAddLocations appends a JSON array of samples to the location log.
func (s *Server) handleAddLocations(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBatchBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	samples, err := location.DecodeBatch(body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if len(samples) == 0 {
		c.JSON(http.StatusOK, gin.H{"count": 0})
		return
	}

	if err := s.app.Log.Add(c.Request.Context(), samples...); err != nil {
		s.respondError(c, err)
		return
	}

	s.events.Broadcast(EventLocationReceived, gin.H{"count": len(samples)})
	c.JSON(http.StatusCreated, gin.H{"count": len(samples)})
}

// handleRetrieve returns samples after the anchor query parameter.
func (s *Server) handleRetrieve(c *gin.Context) {
	anchor, err := locationlog.ParseAnchor(c.Query("anchor"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	limit := -1
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
	}

	result, err := s.app.Log.Retrieve(c.Request.Context(), anchor, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, retrieveResponse{
		Locations:  result.Samples,
		NextAnchor: result.NextAnchor.String(),
	})
}

// handleLatestAnchor returns the anchor after every sample stored so far.
func (s *Server) handleLatestAnchor(c *gin.Context) {
	anchor, err := s.app.Log.LatestAnchor(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchor": anchor.String()})
}

func (s *Server) handleGetRetention(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"days": s.app.Log.Retention()})
}

// handleSetRetention changes the retention period. Nothing is pruned until
// the next prune point.
func (s *Server) handleSetRetention(c *gin.Context) {
	var req retentionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Days == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days required"})
		return
	}
	if err := s.app.Log.SetRetention(*req.Days); err != nil {
		s.respondError(c, err)
		return
	}

	s.events.Broadcast(EventRetentionChanged, gin.H{"days": *req.Days})
	c.JSON(http.StatusOK, gin.H{"days": *req.Days})
}

func (s *Server) handlePrune(c *gin.Context) {
	pruned, err := s.app.Log.Prune(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	depth, err := s.app.Queue.Len(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	anchor, err := s.app.Log.LatestAnchor(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	attempts, err := syncer.RecentAttempts(ctx, s.app.DB, recentAttemptLimit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		QueueDepth:     depth,
		RetentionDays:  s.app.Log.Retention(),
		LatestAnchor:   anchor.String(),
		UploadEnabled:  s.app.Syncer != nil,
		Subscribers:    s.events.ClientCount(),
		RecentAttempts: attempts,
	})
}

// handleSync runs one collect and deliver cycle immediately.
func (s *Server) handleSync(c *gin.Context) {
	if s.app.Syncer == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "upload disabled"})
		return
	}

	delivered, err := s.app.Syncer.RunOnce(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Warn("sync failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "delivered": delivered})
		return
	}

	s.events.Broadcast(EventSyncCompleted, gin.H{"delivered": delivered})
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

// respondError maps core errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, location.ErrInvalidSample),
		errors.Is(err, locationlog.ErrInvalidAnchor),
		errors.Is(err, locationlog.ErrInvalidLimit),
		errors.Is(err, locationlog.ErrInvalidRetention):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
