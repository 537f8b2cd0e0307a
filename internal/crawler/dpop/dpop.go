// Package dpop generates Demonstration-of-Proof-of-Possession tokens: JWTs
// signed by a process-local EC P-256 key whose public half is embedded in
// the token header. The private key never leaves the process; only the
// signed tokens are sent upstream.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials describes the public, shareable half of a signer's identity:
// its public key coordinates plus the device/session identifiers embedded
// in every token it produces.
type Credentials struct {
	X          string
	Y          string
	DeviceUUID string
	SessionID  string
	CreatedAt  time.Time
}

// Signer generates DPoP tokens against a single EC P-256 keypair. A Signer
// is safe for concurrent use; Rotate replaces the keypair in place so
// callers holding a *Signer continue to generate tokens under the new key.
type Signer struct {
	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
	x, y       string
	deviceUUID string
	sessionID  string
	createdAt  time.Time
}

// NewSigner generates a fresh EC P-256 keypair and device/session identity.
// If deviceUUID or sessionID are empty, random values are generated.
// deviceUUID is RFC 4122 canonical form (dashed); sessionID is the bare
// 32-character hex form, matching the distinct shapes the upstream API
// expects for laplaceDeviceUuid and searchSessionId respectively.
func NewSigner(deviceUUID, sessionID string) (*Signer, error) {
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
	}
	if sessionID == "" {
		sessionID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	s := &Signer{deviceUUID: deviceUUID, sessionID: sessionID}
	if err := s.rotateLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Rotate generates a new EC P-256 keypair, keeping the existing device and
// session identifiers. Callers should rotate roughly every 15 minutes to
// mimic a browser refreshing its key.
func (s *Signer) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Signer) rotateLocked() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("dpop: generate key: %w", err)
	}
	s.privateKey = key
	s.x = encodeCoordinate(key.PublicKey.X)
	s.y = encodeCoordinate(key.PublicKey.Y)
	s.createdAt = time.Now()
	return nil
}

func encodeCoordinate(coord *big.Int) string {
	buf := make([]byte, 32)
	coord.FillBytes(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// AgeSeconds returns the age of the current keypair in seconds.
func (s *Signer) AgeSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt).Seconds()
}

// Credentials returns a snapshot of the signer's current public identity.
func (s *Signer) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Credentials{
		X:          s.x,
		Y:          s.y,
		DeviceUUID: s.deviceUUID,
		SessionID:  s.sessionID,
		CreatedAt:  s.createdAt,
	}
}

// DeviceUUID returns the signer's device identifier.
func (s *Signer) DeviceUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceUUID
}

// SessionID returns the signer's session identifier.
func (s *Signer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Generate produces a compact DPoP JWT bound to the given HTTP method and
// URL. Every call emits a distinct jti and a fresh iat for anti-replay.
func (s *Signer) Generate(method, url string) (string, error) {
	s.mu.Lock()
	key := s.privateKey
	x, y := s.x, s.y
	deviceUUID := s.deviceUUID
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat":  time.Now().Unix(),
		"jti":  uuid.New().String(),
		"htu":  url,
		"htm":  method,
		"uuid": deviceUUID,
	})
	token.Header = map[string]any{
		"typ": "dpop+jwt",
		"alg": "ES256",
		"jwk": map[string]string{
			"kty": "EC",
			"crv": "P-256",
			"x":   x,
			"y":   y,
		},
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("dpop: sign token: %w", err)
	}
	return signed, nil
}
