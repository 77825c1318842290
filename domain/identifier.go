package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// Identifier is either a handle (Name, optionally qualified by Domain) or a
// remote reference (URL). Exactly one form is set.
type Identifier struct {
	Name   string
	Domain string
	URL    *url.URL
}

func LocalHandle(name string) Identifier {
	return Identifier{Name: name}
}

func RemoteHandle(name, domain string) Identifier {
	return Identifier{Name: name, Domain: strings.ToLower(domain)}
}

func RemoteReference(u *url.URL) Identifier {
	return Identifier{URL: u}
}

// IsReference reports whether the identifier is a URL.
func (i Identifier) IsReference() bool {
	return i.URL != nil
}

// IsLocal reports whether the identifier can only name a local object.
func (i Identifier) IsLocal(localDomain string) bool {
	if i.URL != nil {
		return strings.EqualFold(i.URL.Host, localDomain)
	}
	return i.Domain == "" || strings.EqualFold(i.Domain, localDomain)
}

func (i Identifier) String() string {
	switch {
	case i.URL != nil:
		return i.URL.String()
	case i.Domain != "":
		return i.Name + "@" + i.Domain
	default:
		return i.Name
	}
}

// ParseIdentifier accepts the forms users type into a search box:
//
//	https://remote.example/c/rust
//	!rust@remote.example
//	@alice@remote.example
//	alice@remote.example
//	rust
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identifier{}, fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}

	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		u, err := url.Parse(s)
		if err != nil {
			return Identifier{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		if u.Host == "" {
			return Identifier{}, fmt.Errorf("%w: missing host in %q", ErrInvalidIdentifier, s)
		}
		u.Fragment = ""
		return RemoteReference(u), nil
	}

	s = strings.TrimPrefix(s, "!")
	s = strings.TrimPrefix(s, "@")

	name, domain, found := strings.Cut(s, "@")
	if name == "" || strings.ContainsAny(name, "/ ") {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	if !found {
		return LocalHandle(name), nil
	}
	if domain == "" || strings.ContainsAny(domain, "/@ ") {
		return Identifier{}, fmt.Errorf("%w: bad domain in %q", ErrInvalidIdentifier, s)
	}
	return RemoteHandle(name, domain), nil
}
