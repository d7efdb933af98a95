// Package relay fans room broadcasts out across service instances through an
// MQTT broker. Every instance delivers locally first, then publishes the event;
// peers deliver events they did not originate to their own members.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/metrics"
	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
	relayQoS       = byte(1)

	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

var (
	errMissingBroker = errors.New("relay: broker url is required")
	errMissingLocal  = errors.New("relay: local rooms are required")
	errNotConnected  = errors.New("relay: not connected")
)

// LocalRooms is the in-process room registry the bridge wraps.
type LocalRooms interface {
	Join(lectureID string, member rooms.Member)
	Publish(ctx context.Context, lectureID, event string, payload any, audience rooms.Audience) error
}

// publisher is the subset of paho.Client the bridge publishes through.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Local       LocalRooms
	Logger      *zap.Logger
}

type envelope struct {
	Origin   string          `json:"origin"`
	Lecture  string          `json:"lecture"`
	Event    string          `json:"event"`
	Audience rooms.Audience  `json:"audience"`
	Data     json.RawMessage `json:"data"`
}

// Bridge wraps the local registry and mirrors its broadcasts over MQTT.
type Bridge struct {
	cfg    Config
	local  LocalRooms
	origin string
	logger *zap.Logger

	mu     sync.RWMutex
	client paho.Client
	out    publisher
}

func New(cfg Config) (*Bridge, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errMissingBroker
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "backchannel"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "backchannel-" + fmt.Sprint(time.Now().UnixNano())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:    cfg,
		local:  cfg.Local,
		origin: cfg.ClientID,
		logger: logger.With(zap.String("component", "relay")),
	}, nil
}

// Start connects to the broker. Subscriptions are (re)established on every connect.
func (b *Bridge) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost)

	client := paho.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.out = client
	b.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("relay: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("relay: connecting to broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Disconnect(1000)
		b.client = nil
		b.out = nil
	}
}

// Join places the member in the local room.
func (b *Bridge) Join(lectureID string, member rooms.Member) {
	b.local.Join(lectureID, member)
}

// Publish delivers to local members and forwards the event to peer instances.
// A relay failure is reported after local delivery has already happened.
func (b *Bridge) Publish(ctx context.Context, lectureID, event string, payload any, audience rooms.Audience) error {
	if err := b.local.Publish(ctx, lectureID, event, payload, audience); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeFailed).Inc()
		return fmt.Errorf("relay: encode payload: %w", err)
	}
	encoded, err := json.Marshal(envelope{
		Origin:   b.origin,
		Lecture:  lectureID,
		Event:    event,
		Audience: audience,
		Data:     data,
	})
	if err != nil {
		metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeFailed).Inc()
		return fmt.Errorf("relay: encode envelope: %w", err)
	}

	b.mu.RLock()
	out := b.out
	b.mu.RUnlock()
	if out == nil || !out.IsConnected() {
		metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeFailed).Inc()
		return errNotConnected
	}

	token := out.Publish(b.lectureTopic(lectureID), relayQoS, false, encoded)
	if !token.WaitTimeout(publishTimeout) {
		metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeFailed).Inc()
		return errors.New("relay: publish timeout")
	}
	if err := token.Error(); err != nil {
		metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeFailed).Inc()
		return fmt.Errorf("relay: publish: %w", err)
	}
	metrics.RelayMessages.WithLabelValues(directionOutbound, metrics.OutcomeApplied).Inc()
	return nil
}

// lectureTopic encodes the lecture id so MQTT wildcards and separators in it stay inert.
func (b *Bridge) lectureTopic(lectureID string) string {
	return b.cfg.TopicPrefix + "/" + base64.RawURLEncoding.EncodeToString([]byte(lectureID))
}

func (b *Bridge) subscriptionTopic() string {
	return b.cfg.TopicPrefix + "/+"
}

func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	var incoming envelope
	if err := json.Unmarshal(message.Payload(), &incoming); err != nil {
		metrics.RelayMessages.WithLabelValues(directionInbound, metrics.OutcomeRejected).Inc()
		b.logger.Debug("relay message rejected", zap.String("topic", message.Topic()), zap.Error(err))
		return
	}
	if incoming.Origin == b.origin {
		return
	}
	if incoming.Lecture == "" || incoming.Event == "" {
		metrics.RelayMessages.WithLabelValues(directionInbound, metrics.OutcomeRejected).Inc()
		return
	}
	audience := incoming.Audience
	if audience != rooms.AudienceEveryone {
		audience = rooms.AudienceAuthenticated
	}
	if err := b.local.Publish(context.Background(), incoming.Lecture, incoming.Event, incoming.Data, audience); err != nil {
		metrics.RelayMessages.WithLabelValues(directionInbound, metrics.OutcomeFailed).Inc()
		b.logger.Warn("relay delivery failed", zap.String("lecture_id", incoming.Lecture), zap.Error(err))
		return
	}
	metrics.RelayMessages.WithLabelValues(directionInbound, metrics.OutcomeApplied).Inc()
}

func (b *Bridge) onConnected(client paho.Client) {
	topic := b.subscriptionTopic()
	token := client.Subscribe(topic, relayQoS, b.handleMessage)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		b.logger.Error("relay subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	b.logger.Info("relay connected", zap.String("broker", b.cfg.Broker), zap.String("topic", topic))
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.logger.Warn("relay connection lost", zap.Error(err))
}
