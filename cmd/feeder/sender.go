package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-retryablehttp"
)

type sender interface {
	Send(ctx context.Context, reading map[string]any) error
	Close()
}

type httpSender struct {
	url    string
	client *retryablehttp.Client
}

func newHTTPSender(baseURL string, retries int) *httpSender {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.Logger = nil
	return &httpSender{url: baseURL + "/api/energy-data", client: client}
}

func (s *httpSender) Send(ctx context.Context, reading map[string]any) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (s *httpSender) Close() {}

type mqttSender struct {
	client mqtt.Client
	topic  string
}

func newMQTTSender(broker, topic string, timeout time.Duration) (*mqttSender, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("meterproof-feeder")
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, err)
	}
	return &mqttSender{client: c, topic: topic}, nil
}

func (s *mqttSender) Send(ctx context.Context, reading map[string]any) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, 1, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (s *mqttSender) Close() {
	s.client.Disconnect(250)
}
