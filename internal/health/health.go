// Package health reports dependency reachability for container probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/logging"
)

const pingTimeout = 2 * time.Second

// Pinger is anything that can check its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker serves GET /healthz. MongoDB is required; Redis is reported only
// when caching is enabled.
type Checker struct {
	mongo  Pinger
	redis  Pinger
	logger *logrus.Entry
}

type response struct {
	Status string `json:"status"`
	Mongo  string `json:"mongo,omitempty"`
	Redis  string `json:"redis,omitempty"`
}

// NewChecker constructs a Checker. redis may be nil.
func NewChecker(mongo, redis Pinger, logger *logrus.Entry) *Checker {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Checker{
		mongo:  mongo,
		redis:  redis,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler. It always answers 200 so that a probe
// can tell a degraded process from a dead one.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok"}

	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if c.mongo == nil {
		resp.Mongo = "error"
		c.logger.WithField("event", "health_mongo_missing").Warn("mongo checker is not configured for health endpoint")
	} else if err := c.ping(ctx, c.mongo); err != nil {
		resp.Mongo = "error"
		c.logger.WithField("event", "health_mongo_error").WithError(err).Warn("mongo ping failed during health check")
	}

	if c.redis != nil {
		if err := c.ping(ctx, c.redis); err != nil {
			resp.Redis = "error"
			c.logger.WithField("event", "health_redis_error").WithError(err).Warn("redis ping failed during health check")
		}
	}

	if resp.Mongo != "" || resp.Redis != "" {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (c *Checker) ping(ctx context.Context, p Pinger) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(pingCtx)
}
