package services

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kpeters/chargetrack/backend/models"
)

// Publisher pushes session lifecycle events and live status to an MQTT
// broker for home-automation consumers. Everything it publishes is
// best-effort: a broker outage never stalls the monitor.
type Publisher struct {
	brokerURL   string
	topicPrefix string
	username    string
	password    string

	mu          sync.RWMutex
	client      mqtt.Client
	isConnected bool
}

func NewPublisher(brokerURL, topicPrefix, username, password string) *Publisher {
	return &Publisher{
		brokerURL:   brokerURL,
		topicPrefix: topicPrefix,
		username:    username,
		password:    password,
	}
}

// Start connects to the broker. Connection loss is handled by the client's
// auto-reconnect; publishes while disconnected are dropped with a warning.
func (p *Publisher) Start() error {
	clientID := fmt.Sprintf("chargetrack-%d", time.Now().Unix())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("WARNING: MQTT connection lost: %v", err)
		p.mu.Lock()
		p.isConnected = false
		p.mu.Unlock()
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Printf("MQTT connection established to %s", p.brokerURL)
		p.mu.Lock()
		p.isConnected = true
		p.mu.Unlock()
	})

	if p.username != "" {
		opts.SetUsername(p.username)
		opts.SetPassword(p.password)
	}

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...", p.brokerURL)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.isConnected = false
		log.Println("MQTT publisher stopped")
	}
}

// publish marshals and fires a retained message on prefix/topic.
func (p *Publisher) publish(topic string, payload any) {
	p.mu.RLock()
	client := p.client
	connected := p.isConnected
	p.mu.RUnlock()

	if client == nil || !connected {
		log.Printf("WARNING: MQTT not connected, dropping message for %s", topic)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: Failed to marshal MQTT payload for %s: %v", topic, err)
		return
	}

	fullTopic := p.topicPrefix + "/" + topic
	if token := client.Publish(fullTopic, 1, true, data); token.Wait() && token.Error() != nil {
		log.Printf("WARNING: Failed to publish to %s: %v", fullTopic, token.Error())
	}
}

func (p *Publisher) PublishSessionStart(record *models.SessionRecord) {
	p.publish("session/start", map[string]any{
		"session_id": record.SessionID,
		"start_time": record.StartTime,
	})
}

func (p *Publisher) PublishSessionEnd(record *models.SessionRecord) {
	payload := map[string]any{
		"session_id": record.SessionID,
		"start_time": record.StartTime,
		"end_time":   record.EndTime,
		"energy_kwh": record.EnergyKWh,
	}
	if record.VehicleID != nil {
		payload["vehicle_id"] = *record.VehicleID
		payload["confidence"] = record.Confidence
	}
	p.publish("session/end", payload)
}

func (p *Publisher) PublishClassification(record *models.SessionRecord) {
	if record.VehicleID == nil {
		return
	}
	p.publish("session/classified", map[string]any{
		"session_id": record.SessionID,
		"vehicle_id": *record.VehicleID,
		"confidence": record.Confidence,
	})
}

func (p *Publisher) PublishLiveStatus(status models.LiveStatus) {
	p.publish("status", status)
}
