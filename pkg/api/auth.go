package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/types"
)

type contextKey string

const identityContextKey contextKey = "identity"

// identityFromContext returns the authenticated identity a prior call to
// authenticate attached to the request context.
func identityFromContext(ctx context.Context) (*types.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*types.Identity)
	return id, ok
}

// authenticate verifies the three HMAC headers before
// calling next. A verification failure never reaches next: it is rejected
// with AuthRejected directly from the middleware.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifyRequest(r)
		if err != nil {
			metrics.AuthRejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next(w, r.WithContext(ctx))
	}
}

func rejectReason(err error) string {
	if ae, ok := err.(*apperrors.AppError); ok {
		return string(ae.Type)
	}
	return "unknown"
}

func (s *Server) verifyRequest(r *http.Request) (*types.Identity, error) {
	clientID := r.Header.Get("X-DFFmpeg-Client-ID")
	timestampHeader := r.Header.Get("X-DFFmpeg-Timestamp")
	signature := r.Header.Get("X-DFFmpeg-Signature")
	if clientID == "" || timestampHeader == "" || signature == "" {
		return nil, apperrors.NewAuthRejectedError("missing authentication headers")
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return nil, apperrors.NewAuthRejectedError("malformed timestamp")
	}

	identity, err := s.repo.IdentityGet(r.Context(), clientID)
	if err != nil {
		return nil, apperrors.NewAuthRejectedError("unknown identity")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to read request body")
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	key, err := s.resolveKey(identity)
	if err != nil {
		return nil, apperrors.NewAuthRejectedError("credential resolution failed")
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	if err := s.signer.Verify(key, r.Method, path, timestamp, body, signature, time.Now()); err != nil {
		return nil, apperrors.NewAuthRejectedError("signature verification failed").WithDetails(err.Error())
	}

	sourceIP, err := security.SourceIP(r, s.trustedProxies)
	if err != nil {
		return nil, apperrors.NewAuthRejectedError("unresolvable source IP")
	}
	allowedNets, err := security.ParseCIDRSet(identity.AllowedCIDRs)
	if err != nil || !security.Contains(allowedNets, sourceIP) {
		return nil, apperrors.NewAuthRejectedError("source IP not in allowed_cidrs")
	}

	return identity, nil
}

// resolveKey decrypts identity's stored HMAC key if it was encrypted
// at rest.
func (s *Server) resolveKey(identity *types.Identity) ([]byte, error) {
	if identity.KeyAlgorithm == "" {
		return identity.HMACKeyStored, nil
	}
	return s.credStore.DecryptWithHint(identity.HMACKeyStored, identity.KeyID)
}

// requireRole rejects the request with Forbidden unless identity's role is
// one of allowed.
func requireRole(identity *types.Identity, allowed ...types.Role) error {
	for _, role := range allowed {
		if identity.Role == role {
			return nil
		}
	}
	return apperrors.NewForbiddenError("role not permitted for this operation")
}

// requireOwnership rejects the request with Forbidden unless identity's
// ClientID matches ownerID (a client accessing its own job, a worker
// accessing a job assigned to it).
func requireOwnership(identity *types.Identity, ownerID string) error {
	if identity.ClientID != ownerID {
		return apperrors.NewForbiddenError("not the owner of this resource")
	}
	return nil
}
