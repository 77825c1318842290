package activitypub

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/threadfed/domain"
	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testActorID = "https://remote.example/u/alice"

func testSigner(t *testing.T) SignatureContext {
	t.Helper()
	sc, err := NewSignatureContext(domain.Person{ApID: testActorID, PrivateKeyPem: privateKeyToPEM(testKey())})
	require.NoError(t, err)
	return sc
}

func testActorSource(t *testing.T) *staticActors {
	return &staticActors{actors: map[string]domain.Actor{
		testActorID: domain.Person{ApID: testActorID, PublicKeyPem: publicKeyToPEM(t, &testKey().PublicKey)},
	}}
}

func signedPost(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, Sign(req, body, testSigner(t)))
	return req
}

func TestParsePrivateKey(t *testing.T) {
	key := testKey()

	parsed, err := ParsePrivateKey(privateKeyToPEM(key))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.N.Cmp(key.N))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	parsed, err = ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.N.Cmp(key.N))

	_, err = ParsePrivateKey("not a valid PEM")
	assert.Error(t, err)
	_, err = ParsePrivateKey("")
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	key := &testKey().PublicKey

	parsed, err := ParsePublicKey(publicKeyToPEM(t, key))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.N.Cmp(key.N))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(key)})
	parsed, err = ParsePublicKey(string(pkcs1))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.N.Cmp(key.N))

	_, err = ParsePublicKey("not a valid PEM")
	assert.Error(t, err)
}

func TestSignSetsHeaders(t *testing.T) {
	body := []byte(`{"type":"Create"}`)
	req := signedPost(t, "https://example.com/inbox", body)

	assert.NotEmpty(t, req.Header.Get("Date"))
	assert.Equal(t, "example.com", req.Header.Get("Host"))
	assert.Equal(t, Digest(body), req.Header.Get("Digest"))
	sig := req.Header.Get("Signature")
	assert.Contains(t, sig, `keyId="`+testActorID+`#main-key"`)
	assert.Contains(t, sig, `headers="(request-target) host date digest"`)
}

func TestSignKeepsPrecomputedDigest(t *testing.T) {
	body := []byte(`{"type":"Create"}`)
	req, err := http.NewRequest(http.MethodPost, "https://example.com/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Digest", Digest(body))

	require.NoError(t, Sign(req, body, testSigner(t)))
	assert.Equal(t, Digest(body), req.Header.Get("Digest"))
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
	}{
		{name: "POST with body", method: http.MethodPost, url: "https://example.com/inbox", body: []byte(`{"type":"Create","object":{}}`)},
		{name: "GET without body", method: http.MethodGet, url: "https://example.com/u/alice"},
		{name: "POST to different path", method: http.MethodPost, url: "https://example.com/c/main/inbox", body: []byte(`{"type":"Follow"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, bytes.NewReader(tt.body))
			require.NoError(t, err)
			require.NoError(t, Sign(req, tt.body, testSigner(t)))

			v := NewVerifier(testActorSource(t), 0, nil)
			actor, err := v.Verify(context.Background(), req, tt.body, testActorID)
			require.NoError(t, err)
			assert.Equal(t, testActorID, actor.APID())
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	body := []byte(`{"type":"Create"}`)

	t.Run("missing signature", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, "https://example.com/inbox", bytes.NewReader(body))
		require.NoError(t, err)
		_, err = NewVerifier(testActorSource(t), 0, nil).Verify(context.Background(), req, body, testActorID)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		req := signedPost(t, "https://example.com/inbox", body)
		_, err := NewVerifier(testActorSource(t), 0, nil).Verify(context.Background(), req, []byte(`{"type":"Delete"}`), testActorID)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("expired date", func(t *testing.T) {
		req := signedPost(t, "https://example.com/inbox", body)
		v := NewVerifier(testActorSource(t), time.Hour, nil)
		v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := v.Verify(context.Background(), req, body, testActorID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("key owner is not the claimed actor", func(t *testing.T) {
		req := signedPost(t, "https://example.com/inbox", body)
		_, err := NewVerifier(testActorSource(t), 0, nil).Verify(context.Background(), req, body, "https://remote.example/u/mallory")
		assert.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("unknown actor", func(t *testing.T) {
		req := signedPost(t, "https://example.com/inbox", body)
		source := &staticActors{actors: map[string]domain.Actor{}}
		_, err := NewVerifier(source, 0, nil).Verify(context.Background(), req, body, testActorID)
		assert.ErrorIs(t, err, ErrUnknownActor)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := signedPost(t, "https://example.com/inbox", body)
		source := &staticActors{actors: map[string]domain.Actor{
			testActorID: domain.Person{ApID: testActorID, PublicKeyPem: publicKeyToPEM(t, &testOtherKey().PublicKey)},
		}}
		_, err := NewVerifier(source, 0, nil).Verify(context.Background(), req, body, testActorID)
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.Equal(t, []string{testActorID}, source.invalidated)
	})
}

// signCovering signs req with only the given headers.
func signCovering(t *testing.T, req *http.Request, headers ...string) {
	t.Helper()
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(testKey(), testActorID+"#main-key", req, nil))
}

func TestVerifyRequiresCoveredHeaders(t *testing.T) {
	t.Run("body swapped under a signature without digest", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, "https://example.com/inbox", nil)
		require.NoError(t, err)
		signCovering(t, req, httpsig.RequestTarget, "host", "date")

		forged := []byte(`{"type":"Delete","actor":"` + testActorID + `"}`)
		req.Header.Set("Digest", Digest(forged))
		_, err = NewVerifier(testActorSource(t), 0, nil).Verify(context.Background(), req, forged, testActorID)
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.ErrorContains(t, err, "digest")
	})

	t.Run("date only", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, "https://example.com/u/alice", nil)
		require.NoError(t, err)
		signCovering(t, req, "date")

		_, err = NewVerifier(testActorSource(t), 0, nil).Verify(context.Background(), req, nil, testActorID)
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.ErrorContains(t, err, "(request-target)")
	})
}

func TestCoveredHeaders(t *testing.T) {
	assert.Equal(t, []string{"(request-target)", "host", "date", "digest"},
		coveredHeaders(`keyId="k",algorithm="rsa-sha256",headers="(request-target) Host Date Digest",signature="abc="`))
	assert.Equal(t, []string{"date"}, coveredHeaders(`keyId="k",signature="abc="`))
}

func TestVerifyRefetchesRotatedKey(t *testing.T) {
	body := []byte(`{"type":"Create"}`)
	req := signedPost(t, "https://example.com/inbox", body)

	source := &staticActors{
		actors: map[string]domain.Actor{
			testActorID: domain.Person{ApID: testActorID, PublicKeyPem: publicKeyToPEM(t, &testOtherKey().PublicKey)},
		},
		rotated: map[string]domain.Actor{
			testActorID: domain.Person{ApID: testActorID, PublicKeyPem: publicKeyToPEM(t, &testKey().PublicKey)},
		},
	}
	actor, err := NewVerifier(source, 0, nil).Verify(context.Background(), req, body, testActorID)
	require.NoError(t, err)
	assert.Equal(t, testActorID, actor.APID())
	assert.Len(t, source.invalidated, 1)
}

func TestKeyOwner(t *testing.T) {
	assert.Equal(t, "https://example.com/u/alice", keyOwner("https://example.com/u/alice#main-key"))
	assert.Equal(t, "https://example.com/u/alice", keyOwner("https://example.com/u/alice"))
}

func TestDigestMatchesAcceptsListedAlgorithms(t *testing.T) {
	body := []byte("hello")
	assert.True(t, digestMatches(Digest(body), body))
	assert.True(t, digestMatches("SHA-512=xyz, "+Digest(body), body))
	assert.False(t, digestMatches(Digest([]byte("other")), body))
}
