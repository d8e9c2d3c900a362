package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerVerifyRoundtrip(t *testing.T) {
	s := NewSigner()
	key := []byte("super-secret-hmac-key")
	now := time.Unix(1_700_000_000, 0)

	sig := s.Sign(key, "post", "/api/v1/jobs", now.Unix(), []byte(`{"binary":"ffmpeg"}`))
	err := s.Verify(key, "POST", "/api/v1/jobs", now.Unix(), []byte(`{"binary":"ffmpeg"}`), sig, now)
	require.NoError(t, err)
}

func TestSignerRejectsWrongKey(t *testing.T) {
	s := NewSigner()
	now := time.Unix(1_700_000_000, 0)
	sig := s.Sign([]byte("key-a"), "GET", "/api/v1/jobs/x", now.Unix(), nil)

	err := s.Verify([]byte("key-b"), "GET", "/api/v1/jobs/x", now.Unix(), nil, sig, now)
	assert.Error(t, err)
}

func TestSignerRejectsTamperedBody(t *testing.T) {
	s := NewSigner()
	key := []byte("key")
	now := time.Unix(1_700_000_000, 0)
	sig := s.Sign(key, "POST", "/api/v1/jobs", now.Unix(), []byte("original"))

	err := s.Verify(key, "POST", "/api/v1/jobs", now.Unix(), []byte("tampered"), sig, now)
	assert.Error(t, err)
}

func TestSignerRejectsSkewOutsideWindow(t *testing.T) {
	s := NewSigner()
	key := []byte("key")
	issued := time.Unix(1_700_000_000, 0)
	sig := s.Sign(key, "GET", "/api/v1/downlink", issued.Unix(), nil)

	// a replay more than 30s later is rejected.
	late := issued.Add(31 * time.Second)
	err := s.Verify(key, "GET", "/api/v1/downlink", issued.Unix(), nil, sig, late)
	assert.Error(t, err)

	// accepted comfortably inside the window.
	ok := issued.Add(5 * time.Second)
	err = s.Verify(key, "GET", "/api/v1/downlink", issued.Unix(), nil, sig, ok)
	assert.NoError(t, err)
}

func TestSignerRejectsMalformedSignature(t *testing.T) {
	s := NewSigner()
	now := time.Unix(1_700_000_000, 0)
	err := s.Verify([]byte("key"), "GET", "/x", now.Unix(), nil, "not-base64!!!", now)
	assert.Error(t, err)
}
