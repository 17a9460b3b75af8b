// Package simulator emulates field devices posting paired current and
// temperature readings to the sensor API.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL        string
	Devices        int
	RateLimiter    *rate.Limiter
	Interval       time.Duration
	RequestTimeout time.Duration

	// MaxSkew bounds the device clock gap between the two readings of a pair.
	MaxSkew time.Duration
}

// DefaultConfig allows pairsPerSecond pairs across all devices.
func DefaultConfig(baseURL string, pairsPerSecond float64) *Config {
	return &Config{
		BaseURL:        strings.TrimSuffix(baseURL, "/"),
		Devices:        1,
		RateLimiter:    rate.NewLimiter(rate.Limit(pairsPerSecond), 1),
		Interval:       2 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxSkew:        500 * time.Millisecond,
	}
}

// Device is one emulated board. Its clock counts from boot like esp_timer.
type Device struct {
	ID     string
	booted time.Time
}

// NewDevice returns a device whose id looks like a MAC address.
func NewDevice(n int, booted time.Time) Device {
	return Device{
		ID:     fmt.Sprintf("24:6F:28:00:%02X:%02X", (n>>8)&0xff, n&0xff),
		booted: booted,
	}
}

// Clock returns the device timestamp in microseconds at t.
func (d Device) Clock(t time.Time) int64 {
	return t.Sub(d.booted).Microseconds()
}

type Simulator struct {
	cfg    *Config
	client *http.Client
	logger logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func New(cfg *Config, logger logrus.FieldLogger) *Simulator {
	return &Simulator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Run starts one worker per device and blocks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	booted := s.now()
	for i := 0; i < s.cfg.Devices; i++ {
		wg.Add(1)
		go s.runDevice(ctx, NewDevice(i+1, booted), &wg)
	}
	wg.Wait()
}

func (s *Simulator) runDevice(ctx context.Context, dev Device, wg *sync.WaitGroup) {
	defer wg.Done()

	log := s.logger.WithField("device_id", dev.ID)
	log.Info("Starting simulated device")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping simulated device")
			return
		case <-ticker.C:
			if err := s.cfg.RateLimiter.Wait(ctx); err != nil {
				return
			}
			if err := s.SendPair(ctx, dev); err != nil {
				log.WithError(err).Warn("Failed to send readings")
			}
		}
	}
}

// SendPair posts a current reading and then a temperature reading whose
// device timestamp lies within MaxSkew of the first.
func (s *Simulator) SendPair(ctx context.Context, dev Device) error {
	ts := dev.Clock(s.now())

	s.mu.Lock()
	skew := int64(0)
	if s.cfg.MaxSkew > 0 {
		skew = s.rng.Int63n(s.cfg.MaxSkew.Microseconds() + 1)
	}
	current := map[string]any{
		"deviceId":  dev.ID,
		"timestamp": ts,
		"sensor1":   s.sample(0.5, 5),
		"sensor2":   s.sample(0.5, 5),
		"sensor3":   s.sample(0.5, 5),
	}
	temperature := map[string]any{
		"deviceId":  dev.ID,
		"timestamp": ts + skew,
		"sensor1":   s.sample(20, 80),
		"sensor2":   s.sample(20, 80),
		"sensor3":   s.sample(20, 80),
		"devTemp":   s.sample(20, 35),
		"devHumi":   s.sample(30, 70),
	}
	s.mu.Unlock()

	if err := s.post(ctx, model.StreamCurrent, current); err != nil {
		return err
	}
	return s.post(ctx, model.StreamTemperature, temperature)
}

func (s *Simulator) sample(lo, hi float64) float64 {
	v := lo + s.rng.Float64()*(hi-lo)
	return float64(int(v*100)) / 100
}

// Endpoint returns the ingestion URL of a stream.
func (s *Simulator) Endpoint(stream model.StreamType) string {
	return fmt.Sprintf("%s/api/%s-sensor", s.cfg.BaseURL, stream)
}

func (s *Simulator) post(ctx context.Context, stream model.StreamType, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint(stream), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", stream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", stream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
