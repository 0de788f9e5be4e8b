package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ICEServer is one STUN/TURN entry handed to clients verbatim.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds the signaling server configuration.
type Config struct {
	Addr            string
	PublicWSURL     string
	PresenceBackend string // "memory" or "redis"
	RedisAddr       string
	KeyPrefix       string

	EmptyRoomGrace     time.Duration
	RejoinGrace        time.Duration
	NegotiationTimeout time.Duration
	RetryBackoff       time.Duration

	ICEMode    string
	ICEServers []ICEServer
}

const defaultSTUN = "stun:stun.l.google.com:19302"

// Load reads configuration from the environment, with an optional .env file
// providing values that are not already set.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env load warning: %v", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LIVECLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("public_ws_url", "")
	v.SetDefault("presence_backend", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("key_prefix", "liveclass")
	v.SetDefault("empty_room_grace", 30*time.Second)
	v.SetDefault("rejoin_grace", 5*time.Second)
	v.SetDefault("negotiation_timeout", 15*time.Second)
	v.SetDefault("retry_backoff", 2*time.Second)
	v.SetDefault("ice_mode", "stun-turn")
	v.SetDefault("stun_urls", defaultSTUN)
	v.SetDefault("turn_urls", "")
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_password", "")

	iceMode := v.GetString("ice_mode")
	return Config{
		Addr:               v.GetString("addr"),
		PublicWSURL:        v.GetString("public_ws_url"),
		PresenceBackend:    v.GetString("presence_backend"),
		RedisAddr:          v.GetString("redis_addr"),
		KeyPrefix:          v.GetString("key_prefix"),
		EmptyRoomGrace:     v.GetDuration("empty_room_grace"),
		RejoinGrace:        v.GetDuration("rejoin_grace"),
		NegotiationTimeout: v.GetDuration("negotiation_timeout"),
		RetryBackoff:       v.GetDuration("retry_backoff"),
		ICEMode:            iceMode,
		ICEServers: loadICEServers(iceMode,
			v.GetString("stun_urls"), v.GetString("turn_urls"),
			v.GetString("turn_username"), v.GetString("turn_password")),
	}
}

func loadICEServers(iceMode, stunCSV, turnCSV, turnUsername, turnPassword string) []ICEServer {
	var servers []ICEServer
	turnOnly := strings.EqualFold(iceMode, "turn-only")
	stunOnly := strings.EqualFold(iceMode, "stun-only")

	if !turnOnly {
		stunURLs := splitAndClean(stunCSV)
		if len(stunURLs) == 0 {
			stunURLs = []string{defaultSTUN}
		}
		servers = append(servers, ICEServer{URLs: stunURLs})
	}

	if !stunOnly {
		if turnURLs := splitAndClean(turnCSV); len(turnURLs) > 0 {
			servers = append(servers, ICEServer{
				URLs:       turnURLs,
				Username:   turnUsername,
				Credential: turnPassword,
			})
		} else if !turnOnly {
			log.Printf("TURN not configured; set LIVECLASS_TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Printf("ice_mode=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, ICEServer{URLs: []string{defaultSTUN}})
	}
	return servers
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
