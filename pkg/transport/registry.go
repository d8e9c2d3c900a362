package transport

import (
	"context"
	"sync"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/rs/zerolog"
)

// Registry negotiates and dispatches downlink deliveries across every
// registered Transport. Registration happens at program init; there is
// no out-of-tree plugin loading.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	logger     zerolog.Logger
}

// NewRegistry returns an empty Registry. Register http_polling (and any
// broker transports the deployment enables) before calling Start.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		logger:     log.WithComponent("transport"),
	}
}

// Register adds t to the registry. Registering http_polling is mandatory;
// NewRegistryWithDefaults does this for callers who don't need to
// customize it.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// NewRegistryWithDefaults returns a Registry with http_polling, the
// universal fallback that must stay enabled, already registered.
func NewRegistryWithDefaults() *Registry {
	r := NewRegistry()
	r.Register(NewHTTPPolling())
	return r
}

// Start starts every registered transport. The first failure ends Start
// and is returned; already-started transports are left running
// (Stop tears everything down regardless of how far Start got).
func (r *Registry) Start(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.transports {
		if err := t.Start(ctx); err != nil {
			return err
		}
		r.logger.Info().Str("transport", name).Msg("transport started")
	}
	return nil
}

// Stop stops every registered transport, logging (not returning) any
// individual failure.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.transports {
		if err := t.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("transport", name).Msg("transport stop failed")
		}
	}
}

// Enabled returns the names of every registered transport, in no
// particular order — negotiation order is governed entirely by the
// peer's own preference list.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}

// Negotiate intersects peerPreference (in the peer's own order) with the
// registry's enabled set and returns the first match. If nothing matches,
// http_polling is returned, since it is required to be enabled in both
// sets and is the universal fallback.
func (r *Registry) Negotiate(peerPreference []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range peerPreference {
		if _, ok := r.transports[name]; ok {
			return r.tiebreak(name)
		}
	}
	return HTTPPollingName
}

// tiebreak is the no-op extension point for coordinator-weighted
// tie-breaking among identically-positioned peer preferences. It returns
// name unchanged.
func (r *Registry) tiebreak(name string) string {
	return name
}

// Dispatch best-effort delivers msg over the transport named by
// transportChoice. The repository row created by DownlinkEnqueue is
// always the authoritative, durable record: a Dispatch
// failure is logged and suppressed, never surfaced to the caller, and
// delivery latency/failure counters are recorded regardless of outcome.
func (r *Registry) Dispatch(ctx context.Context, transportChoice string, msg *types.DownlinkMessage) {
	r.mu.RLock()
	t, ok := r.transports[transportChoice]
	r.mu.RUnlock()
	if !ok {
		t = r.transports[HTTPPollingName]
		transportChoice = HTTPPollingName
	}
	if t == nil {
		return
	}
	if !t.CanSend(msg.RecipientID) {
		metrics.DownlinkFailedTotal.WithLabelValues(transportChoice).Inc()
		return
	}

	timer := metrics.NewTimer()
	sendCtx, cancel := context.WithTimeout(ctx, DefaultDispatchTimeout)
	defer cancel()
	if err := t.Send(sendCtx, msg); err != nil {
		metrics.DownlinkFailedTotal.WithLabelValues(transportChoice).Inc()
		r.logger.Warn().Err(err).Str("transport", transportChoice).
			Str("recipient_id", msg.RecipientID).Str("kind", string(msg.Kind)).
			Msg("downlink dispatch failed, repository row remains authoritative")
		return
	}
	timer.ObserveDurationVec(metrics.DownlinkDeliveryLatency, transportChoice)
	metrics.DownlinkDeliveredTotal.WithLabelValues(transportChoice).Inc()
}

// DefaultDispatchTimeout bounds a single Dispatch call's Send; every
// outbound broker call gets an absolute deadline.
const DefaultDispatchTimeout = 5 * time.Second
