// Package mqtt implements a JSON-RPC transport over MQTT, suitable for
// IoT-style deployments and other scenarios where a publish/subscribe
// broker sits between peers instead of a direct socket. Client and
// server sides exchange JSON-RPC payloads over a plain request/response
// topic scheme.
package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
)

// DefaultQoS is the default MQTT Quality of Service level.
const DefaultQoS = 1

// DefaultConnectTimeout bounds the initial broker connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// DefaultTopicPrefix namespaces every topic this transport uses.
const DefaultTopicPrefix = "rpcd"

// DefaultRequestTopic is the default topic segment for client-to-server
// requests.
const DefaultRequestTopic = "requests"

// DefaultResponseTopic is the default topic segment for server-to-client
// responses.
const DefaultResponseTopic = "responses"

// Transport implements transport.Transport over an MQTT broker.
type Transport struct {
	transport.BaseTransport

	brokerURL     string
	clientID      string
	client        paho.Client
	isServer      bool
	topicPrefix   string
	requestTopic  string
	responseTopic string
	qos           byte
	username      string
	password      string
	cleanSession  bool
	metaExtractor func(topic string) rpc.Meta
	connected     bool
	subs          map[string]byte
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// NewTransport builds an MQTT transport against brokerURL. isServer
// selects whether this side subscribes to the request topic (server)
// or the response topic (client).
func NewTransport(brokerURL string, isServer bool, options ...Option) *Transport {
	t := &Transport{
		brokerURL:     brokerURL,
		isServer:      isServer,
		topicPrefix:   DefaultTopicPrefix,
		requestTopic:  DefaultRequestTopic,
		responseTopic: DefaultResponseTopic,
		qos:           DefaultQoS,
		cleanSession:  true,
		subs:          make(map[string]byte),
	}

	for _, option := range options {
		option(t)
	}

	if t.clientID == "" {
		t.clientID = fmt.Sprintf("rpcd-%s-%d", t.roleString(), time.Now().UnixNano())
	}

	return t
}

func (t *Transport) roleString() string {
	if t.isServer {
		return "server"
	}
	return "client"
}

// WithClientID overrides the generated MQTT client ID.
func WithClientID(clientID string) Option {
	return func(t *Transport) { t.clientID = clientID }
}

// WithQoS sets the publish/subscribe Quality of Service level (0, 1, or 2).
func WithQoS(qos byte) Option {
	return func(t *Transport) {
		if qos <= 2 {
			t.qos = qos
		}
	}
}

// WithCredentials sets broker authentication.
func WithCredentials(username, password string) Option {
	return func(t *Transport) {
		t.username = username
		t.password = password
	}
}

// WithTopicPrefix overrides DefaultTopicPrefix.
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) { t.topicPrefix = prefix }
}

// WithCleanSession sets whether the broker discards prior session state
// on connect.
func WithCleanSession(clean bool) Option {
	return func(t *Transport) { t.cleanSession = clean }
}

// WithMetaExtractor installs a function deriving per-message Meta from
// the MQTT topic a request arrived on.
func WithMetaExtractor(extractor func(topic string) rpc.Meta) Option {
	return func(t *Transport) { t.metaExtractor = extractor }
}

// Initialize configures the underlying paho client without connecting.
func (t *Transport) Initialize() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(t.brokerURL)
	opts.SetClientID(t.clientID)
	opts.SetCleanSession(t.cleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(DefaultConnectTimeout)

	if t.username != "" {
		opts.SetUsername(t.username)
		opts.SetPassword(t.password)
	}

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		t.connected = false
		t.GetLogger().Warn("mqtt: connection lost", "error", err)
	})

	opts.SetOnConnectHandler(func(client paho.Client) {
		t.connected = true
		for topic, qos := range t.subs {
			if err := t.subscribe(topic, qos); err != nil {
				t.GetLogger().Error("mqtt: failed to resubscribe", "topic", topic, "error", err)
			}
		}
	})

	t.client = paho.NewClient(opts)
	return nil
}

// Start connects to the broker and subscribes to this side's inbound
// topic (the request wildcard for a server, the client-specific
// response topic for a client).
func (t *Transport) Start() error {
	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.connected = true

	if t.isServer {
		requestTopic := fmt.Sprintf("%s/%s/+", t.topicPrefix, t.requestTopic)
		return t.subscribe(requestTopic, t.qos)
	}
	return t.subscribe(t.clientResponseTopic(t.clientID), t.qos)
}

// Stop disconnects from the broker.
func (t *Transport) Stop() error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// Send publishes message to the broadcast response topic (server side)
// or the server's request topic tagged with this client's id (client
// side).
func (t *Transport) Send(message []byte) error {
	if !t.connected {
		return errors.New("mqtt: not connected to broker")
	}

	var topic string
	if t.isServer {
		topic = t.clientResponseTopic("all")
	} else {
		topic = t.serverRequestTopic(t.clientID)
	}

	token := t.client.Publish(topic, t.qos, false, message)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Receive is not supported; inbound messages arrive via the broker's
// subscription callback instead of a pull-style read.
func (t *Transport) Receive() ([]byte, error) {
	return nil, errors.New("mqtt: Receive is not supported; messages arrive via subscription callback")
}

func (t *Transport) onMessage(client paho.Client, msg paho.Message) {
	var meta rpc.Meta
	if t.metaExtractor != nil {
		meta = t.metaExtractor(msg.Topic())
	}

	response, err := t.HandleMessage(meta, msg.Payload())
	if err != nil {
		t.GetLogger().Error("mqtt: dispatch failed", "topic", msg.Topic(), "error", err)
		return
	}
	if response == nil || !t.isServer {
		return
	}

	clientID := extractClientID(msg.Topic(), t.topicPrefix, t.requestTopic)
	responseTopic := t.clientResponseTopic("all")
	if clientID != "" {
		responseTopic = t.clientResponseTopic(clientID)
	}

	token := t.client.Publish(responseTopic, t.qos, false, response)
	token.Wait()
}

func (t *Transport) subscribe(topic string, qos byte) error {
	token := t.client.Subscribe(topic, qos, t.onMessage)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.subs[topic] = qos
	return nil
}

func (t *Transport) serverRequestTopic(clientID string) string {
	if clientID == "" {
		return fmt.Sprintf("%s/%s", t.topicPrefix, t.requestTopic)
	}
	return fmt.Sprintf("%s/%s/%s", t.topicPrefix, t.requestTopic, clientID)
}

func (t *Transport) clientResponseTopic(clientID string) string {
	if clientID == "all" {
		return fmt.Sprintf("%s/%s", t.topicPrefix, t.responseTopic)
	}
	return fmt.Sprintf("%s/%s/%s", t.topicPrefix, t.responseTopic, clientID)
}

func extractClientID(topic, topicPrefix, requestTopic string) string {
	expectedPrefix := fmt.Sprintf("%s/%s/", topicPrefix, requestTopic)
	if len(topic) > len(expectedPrefix) && topic[:len(expectedPrefix)] == expectedPrefix {
		return topic[len(expectedPrefix):]
	}
	return ""
}
