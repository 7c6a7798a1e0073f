//go:build integration

package mqtt

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// Integration tests need a broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func connectForTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIntegration_Connect(t *testing.T) {
	client := connectForTest(t, "sensehub-int-connect")
	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SensorRoundtrip(t *testing.T) {
	client := connectForTest(t, "sensehub-int-roundtrip")

	got := make(chan string, 1)
	err := client.Subscribe(Topics{}.AllSensors(), 1, func(topic string, payload []byte) error {
		eq, sensor, ok := ParseSensor(topic)
		if ok && eq == "gh-int" {
			got <- sensor + "=" + string(payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(Topics{}.AllSensors()) {
		t.Fatal("subscription not tracked")
	}

	if err := client.Publish(Topics{}.Sensor("gh-int", "temperature"), []byte("21.5"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case v := <-got:
		if v != "temperature=21.5" {
			t.Errorf("received %q, want temperature=21.5", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(Topics{}.AllSensors()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestIntegration_OnConnectCallback(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "sensehub-int-callback"

	c := newClient(cfg)
	var calls atomic.Int32
	c.SetOnConnect(func() { calls.Add(1) })

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) || token.Error() != nil {
		t.Fatalf("connect failed: %v", token.Error())
	}
	t.Cleanup(func() { _ = c.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Errorf("onConnect calls = %d, want 1", calls.Load())
	}
}
