package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
	nanoid "github.com/matoous/go-nanoid/v2"

	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// Encoding selects the payload serialization.
type Encoding string

// Supported encodings.
const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// Content types written for each encoding.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Payload is the envelope posted to a collector.
type Payload struct {
	BatchID  string        `json:"batch_id"`
	SentAtMs int64         `json:"sent_at_ms"`
	Context  BatchContext  `json:"context"`
	Events   []event.Event `json:"events"`
}

// NewBatchID returns a short URL-safe batch id.
func NewBatchID() (string, error) {
	id, err := nanoid.New()
	if err != nil {
		return "", fmt.Errorf("batch id: %w", err)
	}
	return id, nil
}

var cborPayloadMode cbor.EncMode

func init() {
	var err error
	cborPayloadMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
}

// TokenSigner issues short-lived HS256 bearer tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenSigner returns a signer. A zero ttl defaults to five minutes.
func NewTokenSigner(secret, issuer string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenSigner{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Sign returns a token for one batch. The subject is the session id.
func (s *TokenSigner) Sign(subject, batchID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		ID:        batchID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Encoder turns a Payload into a request body and headers.
type Encoder struct {
	Encoding Encoding
	Gzip     bool
	Signer   *TokenSigner
	Headers  map[string]string
}

// Encode serializes p. Failures are *errors.EncodingError, which the
// delivery path treats as permanent.
func (e Encoder) Encode(p Payload, now time.Time) ([]byte, map[string]string, error) {
	headers := make(map[string]string, len(e.Headers)+3)
	for k, v := range e.Headers {
		headers[k] = v
	}

	var body []byte
	var err error
	switch e.Encoding {
	case EncodingCBOR:
		body, err = cborPayloadMode.Marshal(p)
		headers["Content-Type"] = ContentTypeCBOR
	case EncodingJSON, "":
		body, err = json.Marshal(p)
		headers["Content-Type"] = ContentTypeJSON
	default:
		return nil, nil, &eperrors.EncodingError{Format: string(e.Encoding), Message: "unsupported encoding"}
	}
	if err != nil {
		return nil, nil, &eperrors.EncodingError{Format: string(e.Encoding), Message: "marshal payload", Err: err}
	}

	if e.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, nil, &eperrors.EncodingError{Format: "gzip", Message: "compress payload", Err: err}
		}
		if err := zw.Close(); err != nil {
			return nil, nil, &eperrors.EncodingError{Format: "gzip", Message: "compress payload", Err: err}
		}
		body = buf.Bytes()
		headers["Content-Encoding"] = "gzip"
	}

	if e.Signer != nil {
		token, err := e.Signer.Sign(p.Context.SessionID, p.BatchID, now)
		if err != nil {
			return nil, nil, &eperrors.EncodingError{Format: "jwt", Message: "sign token", Err: err}
		}
		headers["Authorization"] = "Bearer " + token
	}
	return body, headers, nil
}

// DecodePayload reverses Encode using the Content-Type and
// Content-Encoding headers. Collectors and tests use it to read batches.
func DecodePayload(body []byte, headers map[string]string) (Payload, error) {
	if headers["Content-Encoding"] == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return Payload{}, fmt.Errorf("gunzip payload: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return Payload{}, fmt.Errorf("gunzip payload: %w", err)
		}
	}

	var p Payload
	switch headers["Content-Type"] {
	case ContentTypeCBOR:
		if err := cbor.Unmarshal(body, &p); err != nil {
			return Payload{}, fmt.Errorf("decode cbor payload: %w", err)
		}
	default:
		if err := json.Unmarshal(body, &p); err != nil {
			return Payload{}, fmt.Errorf("decode json payload: %w", err)
		}
	}
	return p, nil
}
