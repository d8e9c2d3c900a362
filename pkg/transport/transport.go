// Package transport implements the Coordinator's transport registry and
// downlink delivery: a pluggable set of server-side transports that
// negotiate a single best transport per peer and deliver downlink
// notifications.
package transport

import (
	"context"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// Transport is the server-side plugin interface every downlink transport
// implements.
type Transport interface {
	// Name is the wire identifier used in negotiation payloads, e.g.
	// "http_polling", "mqtt", "amqp".
	Name() string
	// Start brings the transport up (e.g. connects to a broker). It must
	// be safe to call even if the transport has no connection to
	// establish.
	Start(ctx context.Context) error
	// Stop tears the transport down.
	Stop() error
	// CanSend reports whether the transport currently believes it can
	// reach recipientID. http_polling is always reachable (the
	// repository is always available); broker transports report their
	// own connectivity.
	CanSend(recipientID string) bool
	// Send delivers msg to its recipient. For http_polling this is a
	// no-op: persistence into the repository (which is what the poll
	// side actually drains) happens before Send is ever called. For
	// broker transports this publishes best-effort.
	Send(ctx context.Context, msg *types.DownlinkMessage) error
}

// HTTPPollingName is the universal fallback transport name that must
// remain enabled in every Registry.
const HTTPPollingName = "http_polling"
