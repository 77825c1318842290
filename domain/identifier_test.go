package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantName   string
		wantDomain string
		wantURL    string
	}{
		{name: "url", input: "https://remote.example/c/rust", wantURL: "https://remote.example/c/rust"},
		{name: "url drops fragment", input: "https://remote.example/u/alice#main-key", wantURL: "https://remote.example/u/alice"},
		{name: "community handle", input: "!rust@Remote.Example", wantName: "rust", wantDomain: "remote.example"},
		{name: "person handle", input: "@alice@remote.example", wantName: "alice", wantDomain: "remote.example"},
		{name: "bare handle", input: "alice@remote.example", wantName: "alice", wantDomain: "remote.example"},
		{name: "local name", input: "main", wantName: "main"},
		{name: "trims spaces", input: "  main ", wantName: "main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentifier(tt.input)
			require.NoError(t, err)
			if tt.wantURL != "" {
				require.True(t, id.IsReference())
				assert.Equal(t, tt.wantURL, id.URL.String())
				return
			}
			assert.False(t, id.IsReference())
			assert.Equal(t, tt.wantName, id.Name)
			assert.Equal(t, tt.wantDomain, id.Domain)
		})
	}
}

func TestParseIdentifierInvalid(t *testing.T) {
	for _, input := range []string{"", "   ", "@", "https://", "alice@", "a/b", "alice@host/path"} {
		_, err := ParseIdentifier(input)
		assert.Truef(t, errors.Is(err, ErrInvalidIdentifier), "input %q: got %v", input, err)
	}
}

func TestIdentifierIsLocal(t *testing.T) {
	local, _ := ParseIdentifier("main")
	assert.True(t, local.IsLocal("threadfed.test"))

	ownDomain, _ := ParseIdentifier("main@threadfed.test")
	assert.True(t, ownDomain.IsLocal("threadfed.test"))

	remote, _ := ParseIdentifier("main@remote.example")
	assert.False(t, remote.IsLocal("threadfed.test"))

	ownURL, _ := ParseIdentifier("https://threadfed.test/c/main")
	assert.True(t, ownURL.IsLocal("threadfed.test"))
}

func TestKindMatches(t *testing.T) {
	assert.True(t, KindActor.Matches(KindPerson))
	assert.True(t, KindActor.Matches(KindCommunity))
	assert.False(t, KindActor.Matches(KindPost))
	assert.True(t, KindContent.Matches(KindComment))
	assert.False(t, KindPost.Matches(KindComment))
	assert.True(t, KindAny.Matches(KindPrivateMessage))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("community")
	require.NoError(t, err)
	assert.Equal(t, KindCommunity, k)

	_, err = ParseKind("group")
	assert.Error(t, err)
}

func TestActorDeliveryInboxPrefersShared(t *testing.T) {
	p := Person{ApID: "https://r.example/u/a", InboxURL: "https://r.example/u/a/inbox"}
	assert.Equal(t, "https://r.example/u/a/inbox", p.DeliveryInbox())

	p.SharedInboxURL = "https://r.example/inbox"
	assert.Equal(t, "https://r.example/inbox", p.DeliveryInbox())
	assert.Equal(t, "https://r.example/u/a#main-key", p.KeyID())
}
