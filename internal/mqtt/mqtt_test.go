package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/serial-presence/internal/history"
)

type fakeClient struct {
	topics   []string
	payloads [][]byte
	retained []bool
	err      error
}

func (f *fakeClient) PublishWith(topic string, payload []byte, retain bool) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	f.retained = append(f.retained, retain)
	return f.err
}

func sampleEvent() history.Event {
	return history.Event{
		ID:   uuid.MustParse("6f1c1b8e-3c1e-4c53-9a52-2b8f4f0c5a11"),
		Time: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Type: history.Disconnected,
		Port: "/dev/ttyUSB0",
		Name: "Shift lights",
		Key:  "USB:VID=1A86:PID=7523:SN=NO-SN-/dev/ttyUSB0",
	}
}

func TestEventPublisherTopicAndPayload(t *testing.T) {
	fc := &fakeClient{}
	p := NewEventPublisher(fc, "")

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fc.topics) != 1 {
		t.Fatalf("expected one publish, got %d", len(fc.topics))
	}
	want := "homenavi/serial/event/disconnected/USB:VID=1A86:PID=7523:SN=NO-SN-%2Fdev%2FttyUSB0"
	if fc.topics[0] != want {
		t.Fatalf("expected topic %q, got %q", want, fc.topics[0])
	}
	if fc.retained[0] {
		t.Fatalf("events must not be retained")
	}

	var got map[string]any
	if err := json.Unmarshal(fc.payloads[0], &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got["type"] != "disconnected" || got["port"] != "/dev/ttyUSB0" || got["id"] != "6f1c1b8e-3c1e-4c53-9a52-2b8f4f0c5a11" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestEventPublisherCustomPrefix(t *testing.T) {
	fc := &fakeClient{}
	p := NewEventPublisher(fc, " rig/serial/ ")
	e := sampleEvent()
	e.Type = history.Connected
	e.Key = "PORT:COM3"
	if got := p.Topic(e); got != "rig/serial/connected/PORT:COM3" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestEventPublisherTopicEscapesWildcards(t *testing.T) {
	p := NewEventPublisher(&fakeClient{}, "")
	e := sampleEvent()
	e.Type = history.Connected
	e.Key = "USB:VID=0403:PID=6001:SN=A+B#1/2"
	got := p.Topic(e)
	if got != "homenavi/serial/event/connected/USB:VID=0403:PID=6001:SN=A%2BB%231%2F2" {
		t.Fatalf("unexpected topic %q", got)
	}
	if strings.ContainsAny(strings.TrimPrefix(got, "homenavi/serial/event/connected/"), "+#/") {
		t.Fatalf("key level still holds a topic separator or wildcard: %q", got)
	}
}

func TestEventPublisherWrapsClientError(t *testing.T) {
	boom := errors.New("not connected")
	p := NewEventPublisher(&fakeClient{err: boom}, "")
	if err := p.Publish(context.Background(), sampleEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}

func TestEventPublisherHonoursCancelledContext(t *testing.T) {
	fc := &fakeClient{}
	p := NewEventPublisher(fc, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, sampleEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fc.topics) != 0 {
		t.Fatalf("nothing should be published after cancel")
	}
}

func TestBrokerAddress(t *testing.T) {
	cases := map[string]string{
		"mqtt://mosquitto:1883":  "tcp://mosquitto:1883",
		"tcp://10.0.0.2:1883":    "tcp://10.0.0.2:1883",
		"tls://broker:8883":      "ssl://broker:8883",
		"ws://broker:9001/mqtt":  "ws://broker:9001/mqtt",
		"localhost:1883":         "tcp://localhost:1883",
		"mqtt://u:p@broker:1883": "tcp://broker:1883",
	}
	for in, want := range cases {
		got, err := brokerAddress(in)
		if err != nil {
			t.Fatalf("brokerAddress(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("brokerAddress(%q): expected %q, got %q", in, want, got)
		}
	}
	for _, bad := range []string{"", "http://broker"} {
		if _, err := brokerAddress(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
