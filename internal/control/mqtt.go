package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"strandcam/internal/detect"
	"strandcam/internal/dispatcher"
	"strandcam/internal/processing"
	"strandcam/internal/store"
)

// MQTTOptions configures the MQTT bridge.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Topics under the configured prefix.
func (o MQTTOptions) commandTopic() string  { return o.TopicPrefix + "/command" }
func (o MQTTOptions) responseTopic() string { return o.TopicPrefix + "/response" }
func (o MQTTOptions) stateTopic() string    { return o.TopicPrefix + "/state" }
func (o MQTTOptions) pointsTopic() string   { return o.TopicPrefix + "/points" }

// MQTTClient is the subset of the paho client the bridge needs.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// ConnectMQTT connects to the broker with automatic reconnects.
func ConnectMQTT(opts MQTTOptions) (mqtt.Client, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "strand-cam-" + uuid.NewString()[:8]
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	co.SetClientID(clientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetWill(opts.TopicPrefix+"/online", "false", opts.QoS, true)
	co.OnConnect = func(c mqtt.Client) {
		log.Info().Str("component", "mqtt").Str("broker", opts.Broker).Str("client_id", clientID).Msg("mqtt connection established")
		c.Publish(opts.TopicPrefix+"/online", opts.QoS, true, "true")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Response is published on <prefix>/response for every MQTT command.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// PointsMessage is published on <prefix>/points for every frame with
// detections.
type PointsMessage struct {
	Fno       uint64         `json:"fno"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Points    []detect.Point `json:"points"`
}

// MQTTBridge takes commands from <prefix>/command and publishes the
// store state retained on <prefix>/state.
type MQTTBridge struct {
	client   MQTTClient
	opts     MQTTOptions
	shared   *store.Shared
	commands chan<- dispatcher.ControlCommand
	quitting <-chan struct{}
	timeout  time.Duration
}

func NewMQTTBridge(client MQTTClient, opts MQTTOptions, shared *store.Shared, commands chan<- dispatcher.ControlCommand, quitting <-chan struct{}) *MQTTBridge {
	return &MQTTBridge{
		client:   client,
		opts:     opts,
		shared:   shared,
		commands: commands,
		quitting: quitting,
		timeout:  2 * time.Second,
	}
}

// Start subscribes to the command topic.
func (b *MQTTBridge) Start() error {
	topic := b.opts.commandTopic()
	token := b.client.Subscribe(topic, b.opts.QoS, b.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt command subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt command subscription failed: %w", err)
	}
	log.Info().Str("component", "mqtt").Str("topic", topic).Msg("subscribed to command topic")
	return nil
}

// Stop unsubscribes from the command topic.
func (b *MQTTBridge) Stop() {
	token := b.client.Unsubscribe(b.opts.commandTopic())
	token.WaitTimeout(2 * time.Second)
}

func (b *MQTTBridge) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	b.handlePayload(msg.Payload())
}

func (b *MQTTBridge) handlePayload(payload []byte) {
	cmd, err := dispatcher.Decode(payload)
	if err != nil {
		log.Warn().Str("component", "mqtt").Err(err).Msg("failed to parse control command")
		b.respond(Response{CommandAck: "unknown", Status: "error", Error: err.Error()})
		return
	}
	name := dispatcher.Name(cmd)
	log.Info().Str("component", "mqtt").Str("command", name).Msg("control command received")

	if err := Submit(context.Background(), b.commands, cmd, b.quitting, b.timeout); err != nil {
		b.respond(Response{CommandAck: name, Status: "error", Error: err.Error()})
		return
	}
	b.respond(Response{CommandAck: name, Status: "accepted"})
}

func (b *MQTTBridge) respond(r Response) {
	r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b.publish(b.opts.responseTopic(), false, r)
}

func (b *MQTTBridge) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("component", "mqtt").Err(err).Str("topic", topic).Msg("failed to marshal payload")
		return
	}
	token := b.client.Publish(topic, b.opts.QoS, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		log.Warn().Str("component", "mqtt").Str("topic", topic).Msg("publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Str("component", "mqtt").Str("topic", topic).Err(err).Msg("publish failed")
	}
}

// Run publishes the current state, then every change and every detection
// batch, until ctx is cancelled. tracker may be nil.
func (b *MQTTBridge) Run(ctx context.Context, tracker <-chan processing.Detections) error {
	changes, unsubscribe := b.shared.Subscribe(16)
	defer unsubscribe()

	st := b.shared.Read()
	b.publish(b.opts.stateTopic(), true, &st)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			b.publish(b.opts.stateTopic(), true, &ch.New)
		case d, ok := <-tracker:
			if !ok {
				tracker = nil
				continue
			}
			b.publish(b.opts.pointsTopic(), false, &PointsMessage{Fno: d.Fno, Timestamp: d.Timestamp, Source: d.Source, Points: d.Points})
		}
	}
}
