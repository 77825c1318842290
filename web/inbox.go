package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c)
}

func (s *Server) handlePersonInbox(c *gin.Context) {
	if _, err := s.store.ReadLocalPersonByName(c.Request.Context(), c.Param("name")); err != nil {
		s.abortLookup(c, err)
		return
	}
	s.receive(c)
}

func (s *Server) handleCommunityInbox(c *gin.Context) {
	if _, err := s.store.ReadLocalCommunityByName(c.Request.Context(), c.Param("name")); err != nil {
		s.abortLookup(c, err)
		return
	}
	s.receive(c)
}

func (s *Server) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	if err := s.inbox.Receive(c.Request.Context(), c.Request, body); err != nil {
		status := inboxStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("inbox failure", zap.String("path", c.Request.URL.Path), zap.Error(err))
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// inboxStatus maps a processing error to the status returned to the sender.
// 5xx answers make well behaved senders retry.
func inboxStatus(err error) int {
	switch {
	case errors.Is(err, activitypub.ErrBadSignature),
		errors.Is(err, activitypub.ErrExpired),
		errors.Is(err, activitypub.ErrKeyMismatch),
		errors.Is(err, activitypub.ErrUnknownActor),
		errors.Is(err, activitypub.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrInvalidPayload),
		errors.Is(err, activitypub.ErrWrongType):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, activitypub.ErrRemoteUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortLookup answers a failed local lookup: 404 when the row is missing.
func (s *Server) abortLookup(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error("lookup failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
