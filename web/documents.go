package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// activityJSON writes v with the activity+json content type.
func (s *Server) activityJSON(c *gin.Context, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode document", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activitypub.ContentType+"; charset=utf-8", body)
}

func (s *Server) handlePerson(c *gin.Context) {
	p, err := s.store.ReadLocalPersonByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.abortLookup(c, err)
		return
	}
	s.activityJSON(c, s.renderer.Actor(p))
}

func (s *Server) handleCommunity(c *gin.Context) {
	community, err := s.store.ReadLocalCommunityByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.abortLookup(c, err)
		return
	}
	s.activityJSON(c, s.renderer.Actor(community))
}

// handleFollowers serves the follower collection as a bare count, the way
// other servers expose group followers.
func (s *Server) handleFollowers(c *gin.Context) {
	ctx := c.Request.Context()
	community, err := s.store.ReadLocalCommunityByName(ctx, c.Param("name"))
	if err != nil {
		s.abortLookup(c, err)
		return
	}
	count, err := s.store.CountCommunityFollowers(ctx, community.Id)
	if err != nil {
		s.abortLookup(c, err)
		return
	}

	id := community.FollowersURL
	if id == "" {
		id = community.ApID + "/followers"
	}
	s.activityJSON(c, activitypub.OrderedCollection{
		Context:    activitypub.ActivityStreamsContext,
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: count,
	})
}

func (s *Server) handlePost(c *gin.Context) {
	s.serveObject(c, func(ctx context.Context, id int64) (domain.Object, error) {
		return s.store.ReadPostById(ctx, id)
	})
}

func (s *Server) handleComment(c *gin.Context) {
	s.serveObject(c, func(ctx context.Context, id int64) (domain.Object, error) {
		return s.store.ReadCommentById(ctx, id)
	})
}

func (s *Server) handlePrivateMessage(c *gin.Context) {
	s.serveObject(c, func(ctx context.Context, id int64) (domain.Object, error) {
		return s.store.ReadPrivateMessageById(ctx, id)
	})
}

// serveObject renders a local content object. Remote copies are not served,
// their canonical document lives at their origin.
func (s *Server) serveObject(c *gin.Context, read func(ctx context.Context, id int64) (domain.Object, error)) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	ctx := c.Request.Context()
	obj, err := read(ctx, id)
	if err != nil {
		s.abortLookup(c, err)
		return
	}
	if !obj.IsLocal() {
		s.abortLookup(c, db.ErrNotFound)
		return
	}

	doc, err := s.renderer.Object(ctx, obj)
	if err != nil {
		s.abortLookup(c, err)
		return
	}
	s.activityJSON(c, doc)
}
