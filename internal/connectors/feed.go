package connectors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnimesh/fabric-core/internal/events"
)

const feedReadBuffer = 256 * 1024

// Feed consumes a line-delimited JSON stream and publishes one router
// event per line. Reconnects forever with the shared backoff.
type Feed struct {
	name    string
	address string
	router  publisher
	mapLine func(map[string]any) events.Event
}

// NewIntentFeed consumes intent forecasts from an upstream intent engine.
func NewIntentFeed(address string, router publisher) *Feed {
	return &Feed{
		name:    "intent_feed",
		address: address,
		router:  router,
		mapLine: func(payload map[string]any) events.Event {
			return events.New(events.TypeIntentPrediction, "intent_feed", 5, payload)
		},
	}
}

// NewBehaviorFeed consumes behavior patterns. Lines carrying an anomaly
// score above 0.8 on any node are published urgent.
func NewBehaviorFeed(address string, router publisher) *Feed {
	return &Feed{
		name:    "behavior_feed",
		address: address,
		router:  router,
		mapLine: func(payload map[string]any) events.Event {
			priority := 5
			if MaxAnomalyScore(payload) > 0.8 {
				priority = 8
			}
			return events.New(events.TypeBehaviorPattern, "behavior_feed", priority, payload)
		},
	}
}

// NewMarketFeed consumes spot-price updates.
func NewMarketFeed(address string, router publisher) *Feed {
	return &Feed{
		name:    "market_feed",
		address: address,
		router:  router,
		mapLine: func(payload map[string]any) events.Event {
			return events.New(events.TypeMarketData, "market_feed", 5, payload)
		},
	}
}

// Run drives the reconnect loop. Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			delay := backoffDelay(failures)
			log.Debug().Err(err).Str("feed", f.name).Dur("retry_in", delay).
				Msg("Feed interrupted, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else {
			failures = 0
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.name, err)
	}
	defer conn.Close()

	// Unblock the blocking read when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Info().Str("feed", f.name).Str("address", f.address).Msg("Feed connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), feedReadBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			log.Warn().Err(err).Str("feed", f.name).Msg("Discarding undecodable feed line")
			continue
		}
		f.router.Publish(f.mapLine(payload))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", f.name, err)
	}
	return fmt.Errorf("%s stream closed", f.name)
}

// MaxAnomalyScore extracts the highest per-node anomaly score from a
// behavior pattern payload.
func MaxAnomalyScore(payload map[string]any) float64 {
	patterns, _ := payload["resource_patterns"].(map[string]any)
	var max float64
	for _, raw := range patterns {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if score, ok := node["anomaly_score"].(float64); ok && score > max {
			max = score
		}
	}
	return max
}
