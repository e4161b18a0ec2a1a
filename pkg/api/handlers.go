package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/storyloom/relay/pkg/database"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
)

// handleSocket authenticates the handshake and upgrades to WebSocket.
// HandleConnection blocks until the socket closes.
func (s *Server) handleSocket(c *gin.Context) {
	user, err := s.authenticate(c)
	if err != nil {
		s.logger.Debug("Rejected socket handshake", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": events.CodeAuthInvalid})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.hub.HandleConnection(c.Request.Context(), conn, user)
}

// projectSnapshot returns the current document and its sync version,
// the state a client loads before joining the socket room. Projects
// nobody has written yet come back as an empty snapshot at version 0.
func (s *Server) projectSnapshot(c *gin.Context) {
	user := currentUser(c)
	projectID := c.Param("id")
	if !s.gate.CanJoin(c.Request.Context(), user.ID, projectID) {
		c.JSON(http.StatusForbidden, gin.H{"error": events.CodeAccessDenied})
		return
	}

	snapshot, version, err := s.store.ProjectSnapshot(c.Request.Context(), projectID)
	if err != nil {
		s.logger.Error("Snapshot load failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": events.CodeInternalError})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projectId":   projectID,
		"snapshot":    snapshot,
		"syncVersion": version,
	})
}

// projectOperations returns committed operations with version greater
// than the after parameter, in commit order. Clients use it to recover
// broadcasts missed while disconnected.
func (s *Server) projectOperations(c *gin.Context) {
	user := currentUser(c)
	projectID := c.Param("id")
	if !s.gate.CanJoin(c.Request.Context(), user.ID, projectID) {
		c.JSON(http.StatusForbidden, gin.H{"error": events.CodeAccessDenied})
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}

	ops, err := s.store.OperationsAfter(c.Request.Context(), projectID, after)
	if err != nil {
		s.logger.Error("Operation log read failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": events.CodeInternalError})
		return
	}
	version, err := s.store.ProjectVersion(c.Request.Context(), projectID)
	if err != nil {
		s.logger.Error("Version read failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": events.CodeInternalError})
		return
	}

	if ops == nil {
		ops = []*graph.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"projectId":   projectID,
		"operations":  ops,
		"syncVersion": version,
	})
}

// health reports liveness. With a database wired it degrades to 503
// when the pool cannot answer a ping within five seconds.
func (s *Server) health(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "storage": "memory"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.Pool())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
