package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-grouping/internal/config"
	"github.com/example/ride-grouping/internal/events"
	"github.com/example/ride-grouping/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_messages_consumed_total",
		Help: "Total lifecycle messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	fs := pflag.NewFlagSet("projector", pflag.ExitOnError)
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	proj := &redisProjector{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("projector listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down projector")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var e events.Event
		if err := json.Unmarshal(m.Value, &e); err != nil || e.Type == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		for _, u := range project(e) {
			if err := applyWithRetry(ctx, proj, u, e.At.UnixNano(), cfg.StatusTTL, 3, 200*time.Millisecond); err != nil {
				redisErrors.Inc()
				logger.Error("redis update failed", "key", u.key, "event", e.Type, "error", err)
				continue
			}
			redisUpdates.Inc()
		}
	}
}

// update is one hash written by the projection.
type update struct {
	key    string
	fields map[string]any
}

func statusKey(requestID string) string { return "ride:status:" + requestID }

func groupKey(groupID string) string { return "group:" + groupID }

// project maps a lifecycle event onto the read-side hashes: one for the group
// and one per affected request.
func project(e events.Event) []update {
	var out []update
	memberStatus := func(id, status, groupID string) {
		out = append(out, update{key: statusKey(id), fields: map[string]any{"status": status, "group_id": groupID}})
	}
	switch e.Type {
	case events.GroupProposed:
		for _, m := range e.Members {
			memberStatus(m, "proposed", e.GroupID)
		}
	case events.GroupConfirmed:
		for _, m := range e.Members {
			memberStatus(m, "confirmed", e.GroupID)
		}
	case events.GroupExpired:
		for _, m := range e.Members {
			memberStatus(m, "pending", "")
		}
	case events.GroupCancelled:
		for _, m := range e.Members {
			if m == e.Decliner {
				memberStatus(m, "cancelled", e.GroupID)
				continue
			}
			memberStatus(m, "pending", "")
		}
	case events.RequestExpired:
		for _, m := range e.Members {
			memberStatus(m, "expired", "")
		}
		return out
	default:
		return nil
	}
	g := map[string]any{"status": groupStatus(e.Type), "members": joinMembers(e.Members)}
	if e.Reason != "" {
		g["reason"] = e.Reason
	}
	if e.Deadline != nil {
		g["deadline"] = e.Deadline.UTC().Format(time.RFC3339)
	}
	return append([]update{{key: groupKey(e.GroupID), fields: g}}, out...)
}

func groupStatus(t events.Type) string {
	switch t {
	case events.GroupProposed:
		return "awaiting_confirmation"
	case events.GroupConfirmed:
		return "confirmed"
	case events.GroupExpired:
		return "expired"
	default:
		return "cancelled"
	}
}

func joinMembers(ms []string) string {
	b, _ := json.Marshal(ms)
	return string(b)
}

// Projector writes one hash if version is not older than what it holds.
type Projector interface {
	Apply(ctx context.Context, key string, version int64, fields map[string]any, ttl time.Duration) (bool, error)
}

// applyIfNewer keeps a late, older event from overwriting a newer status.
var applyIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if tonumber(ARGV[1]) < cur then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], unpack(ARGV, 3))
if tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

type redisProjector struct{ c redis.Scripter }

func (r *redisProjector) Apply(ctx context.Context, key string, version int64, fields map[string]any, ttl time.Duration) (bool, error) {
	args := []any{version, int64(ttl / time.Second)}
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := applyIfNewer.Run(ctx, r.c, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// applyWithRetry writes u with retry/backoff.
func applyWithRetry(ctx context.Context, p Projector, u update, version int64, ttl time.Duration, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = p.Apply(ctx, u.key, version, u.fields, ttl); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
