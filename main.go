package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"liveclass-signaling/internal/config"
	"liveclass-signaling/internal/httpapi"
	"liveclass-signaling/pkg/signaling"
)

func main() {
	cfg := config.Load()
	logConfig(cfg)

	store := buildPresenceStore(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Reset(ctx); err != nil {
		log.Printf("presence reset: %v", err)
	}
	cancel()

	registry := signaling.NewRegistry(signaling.RegistryOptions{
		EmptyRoomGrace: cfg.EmptyRoomGrace,
		OnRoomDeleted: func(roomID string) {
			if err := store.RemoveRoom(context.Background(), roomID); err != nil {
				log.Printf("presence remove room %s: %v", roomID, err)
			}
		},
	})

	hub := signaling.NewHub(registry, store, signaling.HubOptions{
		Controller: signaling.ControllerOptions{
			NegotiationTimeout: cfg.NegotiationTimeout,
			RetryBackoff:       cfg.RetryBackoff,
			RejoinGrace:        cfg.RejoinGrace,
		},
	})

	api := httpapi.New(registry, hub.Controller(), httpapi.Settings{
		ICEMode:     cfg.ICEMode,
		ICEServers:  cfg.ICEServers,
		PublicWSURL: cfg.PublicWSURL,
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.HTTPHandler())
	api.Register(mux)

	log.Printf("listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func buildPresenceStore(cfg config.Config) signaling.PresenceStore {
	if !strings.EqualFold(cfg.PresenceBackend, "redis") {
		return signaling.NewMemoryPresence()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}
	return signaling.NewRedisPresence(rdb, cfg.KeyPrefix)
}

func logConfig(cfg config.Config) {
	turnConfigured := false
	for _, s := range cfg.ICEServers {
		if s.Username != "" || s.Credential != "" {
			turnConfigured = true
			break
		}
	}
	log.Printf("config: addr=%s presence=%s redis_addr=%s ice_mode=%s ice_servers=%d turn_configured=%v",
		cfg.Addr, cfg.PresenceBackend, cfg.RedisAddr, cfg.ICEMode, len(cfg.ICEServers), turnConfigured)
}
