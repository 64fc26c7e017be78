// Package config holds the process configuration of the relay. Values
// come from the environment with development defaults, the same knobs
// the Node deployment exposed.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	Addr      string // HTTP listen address
	GatewayID string // 节点ID，参与 presence key 与 fanout subject
	JWTSecret string

	// heartbeat / liveness
	PingInterval  time.Duration // server-side ping sweep
	WriteTimeout  time.Duration // per-connection write deadline
	SendQueueSize int           // per-connection outbound buffer

	// optional collaborators; empty means disabled
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration
	NatsServers   []string
}

func Load() AppConfig {
	return AppConfig{
		Addr:          getenv("PRIVET_ADDR", ":3000"),
		GatewayID:     getenv("PRIVET_GATEWAY_ID", "gateway-1"),
		JWTSecret:     getenv("JWT_SECRET", "development-secret-key"),
		PingInterval:  getdur("PRIVET_PING_INTERVAL", 30*time.Second),
		WriteTimeout:  getdur("PRIVET_WRITE_TIMEOUT", 5*time.Second),
		SendQueueSize: getint("PRIVET_SEND_QUEUE", 256),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		PresenceTTL:   getdur("PRIVET_PRESENCE_TTL", 90*time.Second),
		NatsServers:   getlist("NATS_SERVERS"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
