package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
	"github.com/tablelink/tablelink/services/sync/internal/hub"
	"github.com/tablelink/tablelink/services/sync/internal/tablelink"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type configSource interface {
	GetStringOrDef(key, def string) string
}

// Settings are the typed values the service reads from configuration.
// Malformed values fall back to their defaults and are logged.
type Settings struct {
	Hub           hub.Config
	WriteTimeout  time.Duration
	ChangeLog     changelog.Options
	ChangeBackend string
	MongoEnabled  bool
	NATSEnabled   bool
	NATSURL       string
	StreamEnabled bool
}

func LoadSettings(cfg configSource, logger apt.Logger) Settings {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	p := parser{cfg: cfg, logger: logger}

	s := Settings{
		Hub: hub.Config{
			MaxSubscribers:    p.positiveInt("hub.max.subscribers", hub.DefaultMaxSubscribers),
			HeartbeatInterval: p.duration("hub.heartbeat.interval", hub.DefaultHeartbeatInterval),
			ConnectionTimeout: p.duration("hub.connection.timeout", hub.DefaultConnectionTimeout),
			ReaperInterval:    p.duration("hub.reaper.interval", hub.DefaultReaperInterval),
			QueueSize:         p.positiveInt("hub.queue.size", hub.DefaultQueueSize),
		},
		WriteTimeout: p.duration("hub.write.timeout", tablelink.DefaultWriteTimeout),
		ChangeLog: changelog.Options{
			MaxAge:     p.duration("changelog.retention", changelog.DefaultMaxAge),
			MaxEntries: p.positiveInt("changelog.max.entries", changelog.DefaultMaxEntries),
		},
		ChangeBackend: strings.ToLower(cfg.GetStringOrDef("changelog.backend", BackendMemory)),
		MongoEnabled:  p.boolean("db.mongo.enabled", true),
		NATSEnabled:   p.boolean("nats.enabled", true),
		NATSURL:       cfg.GetStringOrDef("nats.url", "nats://localhost:4222"),
		StreamEnabled: p.boolean("nats.stream.enabled", false),
	}

	if s.ChangeBackend != BackendMemory && s.ChangeBackend != BackendRedis {
		logger.Error("unknown change log backend, using memory", "backend", s.ChangeBackend)
		s.ChangeBackend = BackendMemory
	}
	return s
}

type parser struct {
	cfg    configSource
	logger apt.Logger
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	raw := p.cfg.GetStringOrDef(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		p.logger.Error("invalid duration, using default", "key", key, "value", raw, "default", def.String())
		return def
	}
	return d
}

func (p parser) positiveInt(key string, def int) int {
	raw := p.cfg.GetStringOrDef(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.logger.Error("invalid number, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}

func (p parser) boolean(key string, def bool) bool {
	raw := p.cfg.GetStringOrDef(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.logger.Error("invalid boolean, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return b
}
