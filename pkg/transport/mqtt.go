package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the mqtt transport.
type MQTTConfig struct {
	Broker        string // e.g. "tcp://broker.example.com:1883"
	ClientID      string
	Username      string
	Password      string
	TopicPrefix   string // defaults to "dffmpeg"
	ConnectTimeout time.Duration
}

// MQTT publishes downlink notifications to per-recipient topics:
// {prefix}/workers/{worker_id} for worker recipients and
// {prefix}/jobs/{client_id}/{job_id} for client recipients, both at QoS 1
// (at-least-once; broker transports don't guarantee ordering across
// reconnects).
type MQTT struct {
	cfg    MQTTConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	client mqtt.Client
}

// NewMQTT constructs an MQTT transport. Start must be called before Send.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "dffmpeg"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{
		cfg:    cfg,
		logger: log.WithComponent("transport.mqtt"),
	}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.ConnectTimeout)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("transport/mqtt: connect timed out after %s", m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport/mqtt: connect failed: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTT) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.client = nil
	return nil
}

// CanSend reports whether the client currently has a live broker
// connection. recipientID is unused: MQTT connectivity is all-or-nothing.
func (m *MQTT) CanSend(recipientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil && m.client.IsConnected()
}

func (m *MQTT) Send(ctx context.Context, msg *types.DownlinkMessage) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("transport/mqtt: not started")
	}

	body, err := json.Marshal(msg.Envelope())
	if err != nil {
		return fmt.Errorf("transport/mqtt: marshal envelope: %w", err)
	}

	jobID, _ := msg.JobID()
	topic := m.topicFor(msg.RecipientID, jobID)

	token := client.Publish(topic, 1, false, body)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// topicFor builds the per-recipient topic. Job-scoped kinds route under
// jobs/{client_id}/{job_id}; everything else (including worker-addressed
// messages) routes under workers/{worker_id}.
func (m *MQTT) topicFor(recipientID, jobID string) string {
	if jobID != "" {
		return fmt.Sprintf("%s/jobs/%s/%s", m.cfg.TopicPrefix, recipientID, jobID)
	}
	return fmt.Sprintf("%s/workers/%s", m.cfg.TopicPrefix, recipientID)
}
