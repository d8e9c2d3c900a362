package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, storage.Repository) {
	t.Helper()
	// Keep the drain endpoints from parking a synchronous ServeHTTP call
	// for the production long-poll window.
	cfg.LongPollTimeout = 50 * time.Millisecond
	repo := storage.NewMemRepository()
	credStore, err := security.NewCredentialStore(nil, "")
	require.NoError(t, err)
	srv, err := NewServer(repo, security.NewSigner(), credStore, nil, nil, cfg)
	require.NoError(t, err)
	return srv, repo
}

func seedIdentity(t *testing.T, repo storage.Repository, clientID string, role types.Role, key []byte, cidrs []string) {
	t.Helper()
	if cidrs == nil {
		cidrs = security.DefaultAllowedCIDRs()
	}
	require.NoError(t, repo.IdentityPut(context.Background(), &types.Identity{
		ClientID:      clientID,
		Role:          role,
		HMACKeyStored: key,
		AllowedCIDRs:  cidrs,
		CreatedAt:     time.Now(),
	}))
}

// signedRequest builds a correctly signed request from 127.0.0.1.
func signedRequest(t *testing.T, method, path string, body any, clientID string, key []byte) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.RemoteAddr = "127.0.0.1:54321"
	ts := time.Now().Unix()
	req.Header.Set("X-DFFmpeg-Client-ID", clientID)
	req.Header.Set("X-DFFmpeg-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-DFFmpeg-Signature", security.NewSigner().Sign(key, method, path, ts, raw))
	return req
}

func TestAuthMissingHeaders(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downlink", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthBadSignature(t *testing.T) {
	srv, repo := newTestServer(t, DefaultConfig())
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("right-key"), nil)

	req := signedRequest(t, http.MethodGet, "/api/v1/downlink", nil, "c1", []byte("wrong-key"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthUnknownIdentity(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())

	req := signedRequest(t, http.MethodGet, "/api/v1/downlink", nil, "ghost", []byte("any"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthCIDRRejection(t *testing.T) {
	srv, repo := newTestServer(t, DefaultConfig())
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("k"), []string{"192.0.2.0/24"})

	req := signedRequest(t, http.MethodGet, "/api/v1/downlink", nil, "c1", []byte("k"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// X-Forwarded-For is only honored when the immediate peer is a trusted
// proxy, and then the leftmost untrusted hop wins.
func TestAuthTrustedProxyForwarding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrustedProxies = []string{"127.0.0.0/8"}
	srv, repo := newTestServer(t, cfg)
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("k"), []string{"203.0.113.0/24"})

	req := signedRequest(t, http.MethodGet, "/api/v1/downlink", nil, "c1", []byte("k"))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 127.0.0.2")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same header from an untrusted peer is ignored; 10.0.0.9 itself is
	// outside allowed_cidrs.
	req = signedRequest(t, http.MethodGet, "/api/v1/downlink", nil, "c1", []byte("k"))
	req.RemoteAddr = "10.0.0.9:1000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRequiresClientRole(t *testing.T) {
	srv, repo := newTestServer(t, DefaultConfig())
	seedIdentity(t, repo, "w1", types.RoleWorker, []byte("k"), nil)

	req := signedRequest(t, http.MethodPost, "/api/v1/jobs", SubmitJobRequest{Binary: "ffmpeg"}, "w1", []byte("k"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitRejectsDisallowedBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedBinaries = []string{"ffmpeg", "ffprobe"}
	srv, repo := newTestServer(t, cfg)
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("k"), nil)

	req := signedRequest(t, http.MethodPost, "/api/v1/jobs", SubmitJobRequest{Binary: "rm"}, "c1", []byte("k"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsMalformedArgv(t *testing.T) {
	srv, repo := newTestServer(t, DefaultConfig())
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("k"), nil)

	req := signedRequest(t, http.MethodPost, "/api/v1/jobs", SubmitJobRequest{
		Binary: "ffmpeg",
		Argv:   []ArgvTokenWire{{Kind: "var", Variable: "9bad-name", Subpath: "x"}},
	}, "c1", []byte("k"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error)
}

func TestSubmitDerivesRequiredVariables(t *testing.T) {
	srv, repo := newTestServer(t, DefaultConfig())
	seedIdentity(t, repo, "c1", types.RoleClient, []byte("k"), nil)

	req := signedRequest(t, http.MethodPost, "/api/v1/jobs", SubmitJobRequest{
		Binary: "ffmpeg",
		Argv: []ArgvTokenWire{
			{Kind: "literal", Value: "-i"},
			{Kind: "var", Variable: "M", Subpath: "in/a.mkv"},
			{Kind: "var", Variable: "TV", Subpath: "out/a.mp4"},
			{Kind: "var", Variable: "M", Subpath: "in/b.mkv"},
		},
	}, "c1", []byte("k"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	job, err := repo.JobGet(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"M", "TV"}, job.RequiredVariables)
	assert.Equal(t, types.JobPending, job.State)
}
