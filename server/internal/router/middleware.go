package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	maxPeekBody     = 64 << 10
	minBucketIdle   = 10 * time.Minute
)

// requestID echoes the caller's X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)

		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"route":      route,
			"status":     status,
			"elapsed":    elapsed,
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}
	}
}

// DeviceLimiter keeps one token bucket per device id. Buckets idle long
// enough to have refilled are dropped.
type DeviceLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*deviceBucket
	lastSweep time.Time
}

type deviceBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewDeviceLimiter returns nil when perSecond is not positive.
func NewDeviceLimiter(perSecond float64, burst int) *DeviceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	idle := time.Duration(float64(burst) / perSecond * float64(time.Second))
	if idle < minBucketIdle {
		idle = minBucketIdle
	}
	return &DeviceLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idle:      idle,
		now:       time.Now,
		limiters:  make(map[string]*deviceBucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether the device may submit another reading now.
func (l *DeviceLimiter) Allow(deviceID string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for id, b := range l.limiters {
			if now.Sub(b.seen) >= l.idle {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.limiters[deviceID]
	if !ok {
		b = &deviceBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[deviceID] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Len returns the number of tracked devices.
func (l *DeviceLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware peeks at the deviceId of a JSON body and answers 429 once the
// device's bucket is empty. The handler still reads the whole body. Bodies
// longer than the peek window whose deviceId cannot be decoded share the
// bucket of the empty id.
func (l *DeviceLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || c.Request.Body == nil {
			c.Next()
			return
		}

		orig := c.Request.Body
		body, err := io.ReadAll(io.LimitReader(orig, maxPeekBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.Request.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}

		var peek struct {
			DeviceID string `json:"deviceId"`
		}
		_ = json.Unmarshal(body, &peek)

		if !l.Allow(peek.DeviceID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":   "error",
				"message":  "rate limit exceeded",
				"deviceId": peek.DeviceID,
			})
			return
		}
		c.Next()
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
