package transport

import (
	"context"
	"testing"

	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name    string
	canSend bool
	sent    []*types.DownlinkMessage
	sendErr error
}

func (f *fakeTransport) Name() string                           { return f.name }
func (f *fakeTransport) Start(ctx context.Context) error        { return nil }
func (f *fakeTransport) Stop() error                             { return nil }
func (f *fakeTransport) CanSend(recipientID string) bool        { return f.canSend }
func (f *fakeTransport) Send(ctx context.Context, msg *types.DownlinkMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestNegotiateFallsBackToHTTPPolling(t *testing.T) {
	r := NewRegistryWithDefaults()
	got := r.Negotiate([]string{"mqtt", "amqp"})
	assert.Equal(t, HTTPPollingName, got)
}

func TestNegotiatePicksFirstPeerPreferenceMatch(t *testing.T) {
	r := NewRegistryWithDefaults()
	r.Register(&fakeTransport{name: "mqtt", canSend: true})
	r.Register(&fakeTransport{name: "amqp", canSend: true})

	got := r.Negotiate([]string{"amqp", "mqtt", HTTPPollingName})
	assert.Equal(t, "amqp", got)
}

func TestNegotiateIgnoresUnregisteredPreferences(t *testing.T) {
	r := NewRegistryWithDefaults()
	got := r.Negotiate([]string{"amqp", "mqtt"})
	assert.Equal(t, HTTPPollingName, got)
}

func TestDispatchFallsBackWhenTransportCannotSend(t *testing.T) {
	r := NewRegistryWithDefaults()
	ft := &fakeTransport{name: "mqtt", canSend: false}
	r.Register(ft)

	msg, err := types.NewDownlinkMessage("worker-1", types.DownlinkPing, types.PingPayload{})
	require.NoError(t, err)

	r.Dispatch(context.Background(), "mqtt", msg)
	assert.Empty(t, ft.sent)
}

func TestDispatchSendsOverNamedTransport(t *testing.T) {
	r := NewRegistryWithDefaults()
	ft := &fakeTransport{name: "mqtt", canSend: true}
	r.Register(ft)

	msg, err := types.NewDownlinkMessage("worker-1", types.DownlinkPing, types.PingPayload{})
	require.NoError(t, err)

	r.Dispatch(context.Background(), "mqtt", msg)
	require.Len(t, ft.sent, 1)
	assert.Equal(t, msg, ft.sent[0])
}

func TestDispatchUnknownTransportFallsBackToHTTPPolling(t *testing.T) {
	r := NewRegistryWithDefaults()
	msg, err := types.NewDownlinkMessage("worker-1", types.DownlinkPing, types.PingPayload{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), "nonexistent", msg)
	})
}

func TestEnabledIncludesRegisteredTransports(t *testing.T) {
	r := NewRegistryWithDefaults()
	r.Register(&fakeTransport{name: "amqp"})

	names := r.Enabled()
	assert.Contains(t, names, HTTPPollingName)
	assert.Contains(t, names, "amqp")
}
