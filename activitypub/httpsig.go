package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/threadfed/domain"
	"github.com/go-fed/httpsig"
	"go.uber.org/zap"
)

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// SignatureContext carries the key material used to sign one request. It is
// built from the signing actor's stored key and never persisted.
type SignatureContext struct {
	KeyID      string
	privateKey *rsa.PrivateKey
}

// NewSignatureContext parses the private key of a local actor.
func NewSignatureContext(actor domain.Actor) (SignatureContext, error) {
	if actor == nil || actor.PrivateKey() == "" {
		return SignatureContext{}, errors.New("actor has no private key")
	}
	key, err := ParsePrivateKey(actor.PrivateKey())
	if err != nil {
		return SignatureContext{}, err
	}
	return SignatureContext{KeyID: actor.KeyID(), privateKey: key}, nil
}

// Digest returns the value of the Digest header for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign adds Date, Host, Digest (when body is not nil) and Signature headers to
// req. A Digest header already present on req is reused.
func Sign(req *http.Request, body []byte, sc SignatureContext) error {
	if sc.privateKey == nil {
		return errors.New("signature context has no key")
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
		if req.Header.Get("Digest") == "" {
			req.Header.Set("Digest", Digest(body))
		}
	}

	// signers are not safe for concurrent use, so one per request
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(sc.privateKey, sc.KeyID, req, nil); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// ActorSource looks up the owners of signing keys.
type ActorSource interface {
	ResolveActor(ctx context.Context, apID string, allowFetch bool) (domain.Actor, error)
	Invalidate(ctx context.Context, apID string) error
}

// Verifier checks inbound HTTP signatures against the key of the claimed actor.
type Verifier struct {
	actors ActorSource
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewVerifier(actors ActorSource, window time.Duration, logger *zap.Logger) *Verifier {
	if window <= 0 {
		window = 12 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{actors: actors, window: window, logger: logger, now: time.Now}
}

// Verify authenticates req as sent by claimedActor and returns that actor.
// body is the already read request body.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte, claimedActor string) (domain.Actor, error) {
	value := req.Header.Get("Signature")
	if value == "" {
		auth, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Signature ")
		if !ok {
			return nil, fmt.Errorf("%w: missing signature header", ErrBadSignature)
		}
		value = auth
	}

	hasBody := len(body) > 0 || req.Method == http.MethodPost
	required := getSignedHeaders
	if hasBody {
		required = postSignedHeaders
	}
	covered := coveredHeaders(value)
	for _, h := range required {
		if !slices.Contains(covered, h) {
			return nil, fmt.Errorf("%w: signature does not cover %s", ErrBadSignature, h)
		}
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad date header: %v", ErrBadSignature, err)
	}
	if skew := v.now().Sub(date); skew > v.window || skew < -v.window {
		return nil, fmt.Errorf("%w: date %s outside window", ErrExpired, date.Format(time.RFC3339))
	}

	if hasBody {
		got := req.Header.Get("Digest")
		if got == "" {
			return nil, fmt.Errorf("%w: missing digest", ErrBadSignature)
		}
		if !digestMatches(got, body) {
			return nil, fmt.Errorf("%w: digest mismatch", ErrBadSignature)
		}
	}

	// servers move Host out of the header map
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.Host)
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	owner := keyOwner(verifier.KeyId())
	if owner == "" {
		return nil, fmt.Errorf("%w: empty key id", ErrBadSignature)
	}
	if claimedActor != "" && owner != claimedActor {
		return nil, fmt.Errorf("%w: key %s does not belong to %s", ErrKeyMismatch, verifier.KeyId(), claimedActor)
	}

	actor, err := v.actors.ResolveActor(ctx, owner, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownActor, owner, err)
	}

	if err := checkKey(verifier, actor); err == nil {
		return actor, nil
	}

	// the actor may have rotated its key since we cached it
	v.logger.Info("signature mismatch, refetching actor", zap.String("actor", owner))
	if err := v.actors.Invalidate(ctx, owner); err != nil {
		v.logger.Warn("failed to invalidate actor", zap.String("actor", owner), zap.Error(err))
	}
	actor, err = v.actors.ResolveActor(ctx, owner, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownActor, owner, err)
	}
	if err := checkKey(verifier, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

func checkKey(verifier httpsig.Verifier, actor domain.Actor) error {
	pub, err := ParsePublicKey(actor.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// coveredHeaders returns the lower-cased headers parameter of a Signature
// value. Without the parameter only date is signed.
func coveredHeaders(signature string) []string {
	for _, param := range strings.Split(signature, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(name, "headers") {
			continue
		}
		return strings.Fields(strings.ToLower(strings.Trim(value, `"`)))
	}
	return []string{"date"}
}

func digestMatches(header string, body []byte) bool {
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(algo, "SHA-256") && "SHA-256="+value == want {
			return true
		}
	}
	return false
}

// keyOwner strips the fragment of a key id:
// "https://example.com/u/alice#main-key" -> "https://example.com/u/alice"
func keyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
