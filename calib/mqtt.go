package calib

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CorrespondenceHandler is called when a set's topic delivers a payload.
// set is nil when decoding failed.
type CorrespondenceHandler func(setID string, set *CorrespondenceSet, err error)

// RefitHandler is called when a refit command arrives; an empty setID means all sets.
type RefitHandler func(setID string)

// MQTTClient manages the broker connection and correspondence subscriptions
type MQTTClient struct {
	client       mqtt.Client
	config       *Config
	handler      CorrespondenceHandler
	refitHandler RefitHandler
	isConnected  bool
	mu           sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client.
// If neither MQTT_BROKER nor the config names a broker, MQTT is disabled and this returns nil, nil.
func InitMQTT(config *Config, handler CorrespondenceHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := envOr("MQTT_BROKER", configValue(config, func(c *Config) string { return c.MQTT.Broker }))
	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sets) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no correspondence sets configured")
	}

	client := &MQTTClient{
		config:  config,
		handler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := envOr("MQTT_CLIENT_ID", config.MQTT.ClientID)
	if clientID == "" {
		clientID = "simfit"
	}
	opts.SetClientID(clientID)

	if username := envOr("MQTT_USERNAME", config.MQTT.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.MQTT.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// envOr returns the environment variable if set, otherwise fallback
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func configValue(config *Config, get func(*Config) string) string {
	if config == nil {
		return ""
	}
	return get(config)
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry connects to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RefitTopic is the command topic that triggers refits
func (c *MQTTClient) RefitTopic() string {
	return publishPrefix(c.config) + "/refit"
}

// onConnect subscribes to every set topic and the refit command topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to set topics...")
	c.setConnected(true)

	for _, sc := range c.config.Sets {
		if sc.Topic == "" {
			continue
		}
		c.subscribe(client, sc.Topic, c.createMessageHandler(sc.ID))
	}

	c.subscribe(client, c.RefitTopic(), c.createRefitHandler())
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	log.Printf("[MQTT] Subscribing to %s", topic)
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	}
}

// onConnectionLost is called when the connection drops; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// createMessageHandler decodes correspondence payloads for one set
func (c *MQTTClient) createMessageHandler(setID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] Received correspondences for %s (topic: %s, size: %d bytes)",
			setID, msg.Topic(), len(payload))

		cs, err := DecodeCorrespondences(payload)
		if err != nil {
			log.Printf("[MQTT] Error decoding correspondences for %s: %v", setID, err)
			if c.handler != nil {
				c.handler(setID, nil, err)
			}
			return
		}
		cs.ID = setID

		if c.handler != nil {
			c.handler(setID, cs, nil)
		}
	}
}

// refitCommand is the JSON form of a refit command
type refitCommand struct {
	Set string `json:"set"`
}

// parseRefitCommand accepts {"set": "id"}, a JSON string, or a raw set ID.
// An empty result means refit all sets.
func parseRefitCommand(payload []byte) string {
	var cmd refitCommand
	if err := json.Unmarshal(payload, &cmd); err == nil {
		return cmd.Set
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		return plain
	}
	return strings.TrimSpace(string(payload))
}

func (c *MQTTClient) createRefitHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		setID := parseRefitCommand(msg.Payload())
		if setID != "" && c.config.GetSetByID(setID) == nil {
			log.Printf("[MQTT] Refit requested for unknown set %q, ignoring", setID)
			return
		}
		if setID == "" {
			log.Println("[MQTT] Refit requested for all sets")
		} else {
			log.Printf("[MQTT] Refit requested for %s", setID)
		}

		if handler := c.getRefitHandler(); handler != nil {
			handler(setID)
		}
	}
}

// SetRefitHandler registers the callback for refit commands
func (c *MQTTClient) SetRefitHandler(handler RefitHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refitHandler = handler
}

func (c *MQTTClient) getRefitHandler() RefitHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refitHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetSetByTopic returns the set ID subscribed to a topic
func (c *MQTTClient) GetSetByTopic(topic string) (string, bool) {
	for _, sc := range c.config.Sets {
		if sc.Topic != "" && sc.Topic == topic {
			return sc.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler CorrespondenceHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
	}
}
