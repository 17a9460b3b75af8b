// Package livefeed follows the server's live websocket stream and hands
// every decoded message to a callback, reconnecting with backoff.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/navid-fn/sensorhub/internal/hub"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	InitialReconnectDelay = 1 * time.Second
	MaxReconnectDelay     = 30 * time.Second
	HandshakeTimeout      = 5 * time.Second
	WriteTimeout          = 10 * time.Second

	// ReadTimeout must exceed the server ping interval.
	ReadTimeout = hub.PongTimeout + 10*time.Second

	MaxConsecutiveErrors = 5
)

type Config struct {
	URL                   string
	HandshakeTimeout      time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

func DefaultConfig(wsURL string) *Config {
	return &Config{
		URL:                   wsURL,
		HandshakeTimeout:      HandshakeTimeout,
		ReadTimeout:           ReadTimeout,
		WriteTimeout:          WriteTimeout,
		InitialReconnectDelay: InitialReconnectDelay,
		MaxReconnectDelay:     MaxReconnectDelay,
	}
}

// WebSocketURL converts an http(s) base URL into the /ws endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

type Client struct {
	Config    *Config
	Logger    logrus.FieldLogger
	OnMessage func(hub.Message)
}

func NewClient(config *Config, logger logrus.FieldLogger, onMessage func(hub.Message)) *Client {
	return &Client{
		Config:    config,
		Logger:    logger,
		OnMessage: onMessage,
	}
}

// Run keeps a connection open until ctx is done.
func (c *Client) Run(ctx context.Context) {
	reconnectDelay := c.Config.InitialReconnectDelay
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.HandleConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			consecutiveErrors = 0
			reconnectDelay = c.Config.InitialReconnectDelay
			continue
		}

		consecutiveErrors++
		c.Logger.WithError(err).WithFields(logrus.Fields{
			"attempt": consecutiveErrors,
			"retry":   reconnectDelay,
		}).Warn("Live stream error, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		if consecutiveErrors >= MaxConsecutiveErrors {
			reconnectDelay = c.Config.MaxReconnectDelay
		} else if reconnectDelay < c.Config.MaxReconnectDelay {
			reconnectDelay = min(reconnectDelay*2, c.Config.MaxReconnectDelay)
		}
	}
}

// HandleConnection reads one connection until it fails or ctx is done.
// A clean close by the server returns nil.
func (c *Client) HandleConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.Config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.Config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to live stream: %w", err)
	}
	defer conn.Close()

	c.Logger.WithField("url", c.Config.URL).Info("Connected to live stream")

	// unblock ReadMessage on shutdown
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.Config.WriteTimeout))
		conn.Close()
	}()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.Config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.Config.WriteTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.Config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("live stream read error: %w", err)
		}

		var msg hub.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Logger.WithError(err).Warn("Skipping undecodable live message")
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}
