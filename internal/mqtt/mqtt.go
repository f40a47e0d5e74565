package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/PetoAdam/homenavi/serial-presence/internal/history"
)

const DefaultTopicPrefix = "homenavi/serial/event"

type Client struct {
	client mqtt.Client
}

// ClientAPI is the publish surface the event publisher needs.
// It enables unit testing without a live broker.
type ClientAPI interface {
	PublishWith(topic string, payload []byte, retain bool) error
}

func Connect(brokerURL, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	server, err := brokerAddress(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.AddBroker(server)
	if strings.TrimSpace(clientID) == "" {
		clientID = "serial-presence-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if u, err := url.Parse(strings.TrimSpace(brokerURL)); err == nil && u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if strings.HasPrefix(server, "ssl://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", server)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", server)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// brokerAddress maps mqtt://, tcp://, ssl:// and tls:// URLs onto the
// schemes paho understands. A bare host:port is treated as tcp.
func brokerAddress(brokerURL string) (string, error) {
	raw := strings.TrimSpace(brokerURL)
	if raw == "" {
		return "", fmt.Errorf("empty broker url")
	}
	if !strings.Contains(raw, "://") {
		return "tcp://" + raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.client.Publish(topic, 0, retain, payload)
	if !t.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return t.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}

// EventPublisher forwards history events to the broker as JSON.
type EventPublisher struct {
	client ClientAPI
	prefix string
}

func NewEventPublisher(client ClientAPI, prefix string) *EventPublisher {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &EventPublisher{client: client, prefix: prefix}
}

// Topic returns <prefix>/<type>/<escaped key>. Keys contain ':' and may
// contain '/', so they are path-escaped into a single topic level. PathEscape
// keeps '+', which is a wildcard in MQTT, so it is escaped as well.
func (p *EventPublisher) Topic(e history.Event) string {
	key := strings.ReplaceAll(url.PathEscape(e.Key), "+", "%2B")
	return p.prefix + "/" + string(e.Type) + "/" + key
}

func (p *EventPublisher) Publish(ctx context.Context, e history.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := p.Topic(e)
	if err := p.client.PublishWith(topic, payload, false); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	slog.Debug("event published", "topic", topic)
	return nil
}
