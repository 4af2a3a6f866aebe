package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrDialExhausted = errors.New("transport: connect attempts exhausted")

// Dial connects to a device port, retrying with backoff up to cfg.MaxAttempts.
func Dial(ctx context.Context, name, addr string, cfg DialConfig) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Info().Str("port", name).Str("addr", addr).Int("attempt", attempt).Msg("connected")
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("port", name).Str("addr", addr).Int("attempt", attempt).Msg("connect failed")
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %s port at %s: %w", ErrDialExhausted, name, addr, lastErr)
}
