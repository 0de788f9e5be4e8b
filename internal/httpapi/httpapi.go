package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"liveclass-signaling/internal/config"
	"liveclass-signaling/pkg/signaling"
)

// Settings is the client-facing connection configuration.
type Settings struct {
	ICEMode     string
	ICEServers  []config.ICEServer
	PublicWSURL string
}

// API serves the REST-ish surface consumed by the host e-learning app:
// room snapshots for dashboards, room code minting for the session-creation
// flow and the explicit end-session signal.
type API struct {
	registry   *signaling.Registry
	controller *signaling.Controller
	settings   Settings
	logger     *log.Logger
}

// New builds the API around the live registry and controller.
func New(registry *signaling.Registry, controller *signaling.Controller, settings Settings, logger *log.Logger) *API {
	if logger == nil {
		logger = log.Default()
	}
	return &API{registry: registry, controller: controller, settings: settings, logger: logger}
}

// Register attaches all API routes to the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("/healthz", a.healthHandler())
	mux.Handle("/api/settings", a.settingsHandler())
	mux.Handle("/api/rooms", a.roomsHandler())
	mux.Handle("/api/rooms/", a.roomHandler())
}

func (a *API) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (a *API) settingsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"wsURL":      a.resolveWSURL(r),
			"iceMode":    a.settings.ICEMode,
			"iceServers": a.settings.ICEServers,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			a.logger.Printf("settings encode error: %v", err)
		}
	})
}

// roomsHandler serves GET (list all rooms) and POST (mint a room code for a
// session before the mentor connects).
func (a *API) roomsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, a.registry.Rooms())
		case http.MethodPost:
			code := generateCode()
			writeJSON(w, map[string]interface{}{
				"id":  code,
				"url": roomURL(r, code),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// roomHandler serves GET (one room snapshot) and DELETE (end session).
func (a *API) roomHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			info, err := a.registry.Get(id)
			if err != nil {
				if errors.Is(err, signaling.ErrUnknownRoom) {
					http.NotFound(w, r)
					return
				}
				a.logger.Printf("room lookup error: %v", err)
				http.Error(w, "room lookup failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, info)
		case http.MethodDelete:
			if err := a.controller.CloseRoom(id); err != nil {
				if errors.Is(err, signaling.ErrUnknownRoom) {
					http.NotFound(w, r)
					return
				}
				a.logger.Printf("room close error: %v", err)
				http.Error(w, "room close failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "closed", "id": id})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (a *API) resolveWSURL(r *http.Request) string {
	if a.settings.PublicWSURL != "" {
		return a.settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/ws", proto, host)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func roomURL(r *http.Request, code string) string {
	proto := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/live/%s", proto, host, code)
}

// generateCode produces a short, URL-safe room code.
func generateCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return strings.TrimRight(base64.RawURLEncoding.EncodeToString(b), "=")
}
