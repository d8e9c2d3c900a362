package transport

import (
	"context"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// HTTPPolling is the mandatory fallback transport. It does no
// work of its own: persistence into the repository happens in
// DownlinkEnqueue before Dispatch is ever called, and delivery is the
// peer's own long-poll against GET /api/v1/downlink draining that same
// row. Send and CanSend exist only to satisfy the Transport interface.
type HTTPPolling struct{}

// NewHTTPPolling returns the http_polling transport.
func NewHTTPPolling() *HTTPPolling {
	return &HTTPPolling{}
}

func (h *HTTPPolling) Name() string { return HTTPPollingName }

func (h *HTTPPolling) Start(ctx context.Context) error { return nil }

func (h *HTTPPolling) Stop() error { return nil }

// CanSend is always true: the repository is the delivery mechanism and is
// assumed available whenever the Coordinator itself is running.
func (h *HTTPPolling) CanSend(recipientID string) bool { return true }

// Send is a no-op; see the type doc comment.
func (h *HTTPPolling) Send(ctx context.Context, msg *types.DownlinkMessage) error { return nil }
