package dpop

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestGenerateWellFormed(t *testing.T) {
	signer, err := NewSigner("device-1", "session-1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, err := signer.Generate("POST", "https://api.example.com/search")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 dot-separated parts, got %d: %s", len(parts), token)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
		JWK struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			X   string `json:"x"`
			Y   string `json:"y"`
		} `json:"jwk"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Typ != "dpop+jwt" || header.Alg != "ES256" {
		t.Errorf("unexpected header: %+v", header)
	}
	if header.JWK.Kty != "EC" || header.JWK.Crv != "P-256" {
		t.Errorf("unexpected jwk: %+v", header.JWK)
	}
	x, err := base64.RawURLEncoding.DecodeString(header.JWK.X)
	if err != nil || len(x) != 32 {
		t.Errorf("expected 32-byte x coordinate, got %d bytes (err=%v)", len(x), err)
	}
	y, err := base64.RawURLEncoding.DecodeString(header.JWK.Y)
	if err != nil || len(y) != 32 {
		t.Errorf("expected 32-byte y coordinate, got %d bytes (err=%v)", len(y), err)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload struct {
		IAT  int64  `json:"iat"`
		JTI  string `json:"jti"`
		HTU  string `json:"htu"`
		HTM  string `json:"htm"`
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.HTM != "POST" || payload.HTU != "https://api.example.com/search" {
		t.Errorf("unexpected htm/htu: %+v", payload)
	}
	if payload.UUID != "device-1" {
		t.Errorf("expected uuid device-1, got %s", payload.UUID)
	}
	if time.Since(time.Unix(payload.IAT, 0)).Abs() > 5*time.Second {
		t.Errorf("iat not within 5s of now: %d", payload.IAT)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != 64 {
		t.Errorf("expected 64-byte raw signature, got %d bytes (err=%v)", len(sig), err)
	}
}

func TestGenerateDistinctJTIPerCall(t *testing.T) {
	signer, err := NewSigner("", "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	tokenA, err := signer.Generate("GET", "https://api.example.com/a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tokenB, err := signer.Generate("GET", "https://api.example.com/a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if tokenA == tokenB {
		t.Error("expected distinct tokens (distinct jti) across calls")
	}
}

func TestDefaultSessionIDIsBareHexDeviceUUIDIsDashed(t *testing.T) {
	signer, err := NewSigner("", "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	sessionID := signer.SessionID()
	if strings.Contains(sessionID, "-") {
		t.Errorf("expected session id with no dashes, got %q", sessionID)
	}
	if len(sessionID) != 32 {
		t.Errorf("expected 32-character hex session id, got %d chars: %q", len(sessionID), sessionID)
	}
	for _, c := range sessionID {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("expected lowercase hex session id, got %q", sessionID)
			break
		}
	}

	deviceUUID := signer.DeviceUUID()
	if !strings.Contains(deviceUUID, "-") {
		t.Errorf("expected RFC 4122 dashed device uuid, got %q", deviceUUID)
	}
	if len(deviceUUID) != 36 {
		t.Errorf("expected 36-character dashed device uuid, got %d chars: %q", len(deviceUUID), deviceUUID)
	}
}

func TestRotateChangesKeyAndResetsAge(t *testing.T) {
	signer, err := NewSigner("device-1", "session-1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	before := signer.Credentials()

	time.Sleep(5 * time.Millisecond)
	ageBefore := signer.AgeSeconds()
	if err := signer.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after := signer.Credentials()

	if before.X == after.X && before.Y == after.Y {
		t.Error("expected new key coordinates after rotate")
	}
	if after.DeviceUUID != before.DeviceUUID {
		t.Error("expected device uuid to survive rotation")
	}
	if signer.AgeSeconds() >= ageBefore {
		t.Errorf("expected age reset after rotate, got %f (was %f)", signer.AgeSeconds(), ageBefore)
	}
}
