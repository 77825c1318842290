package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

// handleWebfinger answers acct:name@domain for local persons and
// communities. When both share a name, the response carries a self link for
// each, typed so the caller can pick.
func (s *Server) handleWebfinger(c *gin.Context) {
	name, ok := s.parseResource(c.Query("resource"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	ctx := c.Request.Context()
	var resp *activitypub.WebfingerResponse

	person, err := s.store.ReadLocalPersonByName(ctx, name)
	switch {
	case err == nil:
		wf := activitypub.WebfingerFor(name, s.cfg.LocalDomain, person.ApID, domain.KindPerson)
		resp = &wf
	case !errors.Is(err, db.ErrNotFound):
		s.abortLookup(c, err)
		return
	}

	community, err := s.store.ReadLocalCommunityByName(ctx, name)
	switch {
	case err == nil:
		wf := activitypub.WebfingerFor(name, s.cfg.LocalDomain, community.ApID, domain.KindCommunity)
		if resp == nil {
			resp = &wf
		} else {
			resp.Aliases = append(resp.Aliases, wf.Aliases...)
			resp.Links = append(resp.Links, selfLinks(wf.Links)...)
		}
	case !errors.Is(err, db.ErrNotFound):
		s.abortLookup(c, err)
		return
	}

	if resp == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode webfinger", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, jrdContentType, body)
}

// parseResource extracts the local name from acct:name@domain. Other
// domains are not ours to answer for.
func (s *Server) parseResource(resource string) (string, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	name, host, ok := strings.Cut(acct, "@")
	if !ok || name == "" || !strings.EqualFold(host, s.cfg.LocalDomain) {
		return "", false
	}
	return name, true
}

func selfLinks(links []activitypub.WebfingerLink) []activitypub.WebfingerLink {
	var out []activitypub.WebfingerLink
	for _, l := range links {
		if l.Rel == "self" {
			out = append(out, l)
		}
	}
	return out
}
