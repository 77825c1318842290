package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/deemkeen/threadfed/domain"
)

type WebfingerLink struct {
	Rel        string            `json:"rel"`
	Type       string            `json:"type,omitempty"`
	Href       string            `json:"href,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// typeProperty marks which ActivityStreams type a self link points to.
const typeProperty = "https://www.w3.org/ns/activitystreams#type"

// WebfingerFor builds the document we serve for a local actor.
func WebfingerFor(name, host, actorID string, kind domain.Kind) WebfingerResponse {
	apType := TypePerson
	if kind == domain.KindCommunity {
		apType = TypeGroup
	}
	return WebfingerResponse{
		Subject: "acct:" + name + "@" + host,
		Aliases: []string{actorID},
		Links: []WebfingerLink{
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: actorID},
			{Rel: "self", Type: ContentType, Href: actorID, Properties: map[string]string{typeProperty: apType}},
		},
	}
}

// Webfinger resolves name@host to an actor id. When several self links are
// offered, a Group link is preferred if mask admits communities.
func (f *Fetcher) Webfinger(ctx context.Context, name, host string, mask domain.Kind) (*url.URL, error) {
	wf, err := f.FetchWebfingerDocument(ctx, name, host)
	if err != nil {
		return nil, err
	}
	return wf.SelfLink(mask)
}

// FetchWebfingerDocument fetches the JRD for acct:name@host and checks its
// subject.
func (f *Fetcher) FetchWebfingerDocument(ctx context.Context, name, host string) (*WebfingerResponse, error) {
	resource := "acct:" + name + "@" + host
	u := &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {resource}}.Encode(),
	}
	if f.cfg.AllowInsecure {
		u.Scheme = "http"
	}

	body, err := f.FetchWebfinger(ctx, u)
	if err != nil {
		return nil, err
	}

	var wf WebfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return nil, fmt.Errorf("%w: webfinger for %s: %v", ErrInvalidPayload, resource, err)
	}
	if !strings.EqualFold(wf.Subject, resource) {
		return nil, fmt.Errorf("%w: webfinger subject %q does not match %q", ErrInvalidPayload, wf.Subject, resource)
	}
	return &wf, nil
}

// SelfLink picks the ActivityPub self link for an actor of mask.
func (wf *WebfingerResponse) SelfLink(mask domain.Kind) (*url.URL, error) {
	var chosen string
	for _, link := range wf.Links {
		if link.Rel != "self" || link.Href == "" || !isActivityMediaType(link.Type) {
			continue
		}
		linkType := link.Properties[typeProperty]
		if chosen == "" {
			chosen = link.Href
		}
		if linkType == TypeGroup && mask.Matches(domain.KindCommunity) {
			chosen = link.Href
			break
		}
		if linkType == TypePerson && mask == domain.KindPerson {
			chosen = link.Href
			break
		}
	}
	if chosen == "" {
		return nil, fmt.Errorf("%w: no activitypub link for %s", ErrNotFound, wf.Subject)
	}

	ref, err := url.Parse(chosen)
	if err != nil || ref.Host == "" {
		return nil, fmt.Errorf("%w: bad webfinger href %q", ErrInvalidPayload, chosen)
	}
	ref.Fragment = ""
	return ref, nil
}

func isActivityMediaType(t string) bool {
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return false
	}
	return mediaType == "application/activity+json" || mediaType == "application/ld+json"
}
