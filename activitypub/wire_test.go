package activitypub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityUnmarshal(t *testing.T) {
	jsonData := `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://example.com/activities/123",
		"type": "Follow",
		"actor": "https://example.com/u/alice",
		"object": "https://example.com/c/main"
	}`

	var activity Activity
	require.NoError(t, json.Unmarshal([]byte(jsonData), &activity))
	assert.Equal(t, "https://example.com/activities/123", activity.ID)
	assert.Equal(t, TypeFollow, activity.Type)
	assert.Equal(t, "https://example.com/u/alice", activity.Actor.ID)
	assert.Equal(t, "https://example.com/c/main", activity.Object.ID)
	assert.False(t, activity.Object.Embedded())
}

func TestActivityObjectAsMap(t *testing.T) {
	jsonData := `{
		"id": "https://example.com/activities/456",
		"type": "Undo",
		"actor": {"id": "https://example.com/u/alice", "type": "Person"},
		"object": {
			"id": "https://example.com/activities/123",
			"type": "Follow",
			"actor": "https://example.com/u/alice",
			"object": "https://example.com/c/main"
		}
	}`

	var activity Activity
	require.NoError(t, json.Unmarshal([]byte(jsonData), &activity))
	assert.Equal(t, "https://example.com/u/alice", activity.Actor.ID)
	require.True(t, activity.Object.Embedded())
	assert.Equal(t, TypeFollow, activity.Object.Type())

	var inner Activity
	require.NoError(t, activity.Object.Decode(&inner))
	assert.Equal(t, "https://example.com/activities/123", inner.ID)
	assert.Equal(t, "https://example.com/c/main", inner.Object.ID)
}

func TestRefFromArray(t *testing.T) {
	var doc ObjectDocument
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "https://example.com/post/1",
		"type": "Page",
		"attributedTo": [{"id": "https://example.com/u/alice", "type": "Person"}]
	}`), &doc))
	assert.Equal(t, "https://example.com/u/alice", doc.AttributedTo.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"attributedTo": []}`), &doc))
	assert.True(t, doc.AttributedTo.IsZero())
}

func TestAddressesVariants(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Addresses
	}{
		{name: "single string", json: `"https://www.w3.org/ns/activitystreams#Public"`, want: Addresses{PublicCollection}},
		{name: "list", json: `["https://a.example/c/x", "https://b.example/u/y"]`, want: Addresses{"https://a.example/c/x", "https://b.example/u/y"}},
		{name: "embedded objects", json: `[{"id": "https://a.example/c/x", "type": "Group"}]`, want: Addresses{"https://a.example/c/x"}},
		{name: "null", json: `null`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Addresses
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefMarshalKeepsEmbeddedObject(t *testing.T) {
	ref, err := EmbedRef(Activity{ID: "https://example.com/activities/1", Type: TypeFollow, Actor: IDRef("https://example.com/u/alice")})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/activities/1", ref.ID)

	out, err := json.Marshal(Activity{ID: "https://example.com/activities/2", Type: TypeAccept, Actor: IDRef("https://x.example/c/main"), Object: ref})
	require.NoError(t, err)

	var back Activity
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, TypeFollow, back.Object.Type())
	assert.Equal(t, "https://example.com/activities/1", back.Object.ID)
}

func TestDeleteActivityTombstone(t *testing.T) {
	jsonData := `{
		"id": "https://example.com/activities/del",
		"type": "Delete",
		"actor": "https://example.com/u/alice",
		"object": {"id": "https://example.com/post/1", "type": "Tombstone", "formerType": "Page"}
	}`
	var activity Activity
	require.NoError(t, json.Unmarshal([]byte(jsonData), &activity))
	assert.Equal(t, "https://example.com/post/1", activity.Object.ID)
	assert.Equal(t, TypeTombstone, activity.Object.Type())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		head    documentHead
		want    string
		wantErr bool
	}{
		{head: documentHead{Type: TypePerson}, want: "person"},
		{head: documentHead{Type: TypeService}, want: "person"},
		{head: documentHead{Type: TypeGroup}, want: "community"},
		{head: documentHead{Type: TypePage}, want: "post"},
		{head: documentHead{Type: TypeNote}, want: "post"},
		{head: documentHead{Type: TypeNote, InReplyTo: "https://x.example/post/1"}, want: "comment"},
		{head: documentHead{Type: TypeChatMessage}, want: "private_message"},
		{head: documentHead{Type: "Question"}, wantErr: true},
	}
	for _, tt := range tests {
		kind, err := kindOf(tt.head)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPayload, tt.head.Type)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, kind.String(), tt.head.Type)
	}
}
