// Package handler exposes the NLA session driver over websocket: a client
// supplies a target and credentials, the gateway runs the CredSSP exchange
// and streams progress events back.
package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/rdp-nla/internal/config"
	"github.com/rcarmo/rdp-nla/internal/credssp"
	"github.com/rcarmo/rdp-nla/internal/logging"
	"github.com/rcarmo/rdp-nla/internal/rdp"
)

const (
	webSocketReadBufferSize  = 4096
	webSocketWriteBufferSize = 4096
)

// Event is one progress message streamed to the websocket client.
type Event struct {
	Status string `json:"status"` // connecting | negotiating | complete | failed
	Rounds int    `json:"rounds,omitempty"`
	Kind   string `json:"kind,omitempty"` // credssp failure class, when applicable
	Error  string `json:"error,omitempty"`
}

// Negotiate upgrades the request to a websocket and runs one NLA exchange
// against the target named in the query parameters.
func Negotiate(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("upgrade websocket: %v", err)
		return
	}
	defer func() {
		if err := wsConn.Close(); err != nil {
			logging.Debug("close websocket: %v", err)
		}
	}()

	host := r.URL.Query().Get("host")
	user := r.URL.Query().Get("user")
	password := r.URL.Query().Get("password")
	domain := r.URL.Query().Get("domain")

	if host == "" || user == "" {
		sendEvent(wsConn, Event{Status: "failed", Error: "host and user are required"})
		return
	}

	cfg := config.GetGlobalConfig()
	if cfg == nil {
		cfg, err = config.Load()
		if err != nil {
			logging.Error("load config: %v", err)
			sendEvent(wsConn, Event{Status: "failed", Error: "gateway configuration unavailable"})
			return
		}
	}

	client, err := rdp.NewClient(host, user, password)
	if err != nil {
		sendEvent(wsConn, Event{Status: "failed", Error: err.Error()})
		return
	}
	client.SetTLSConfig(cfg.Security.SkipTLSValidation, cfg.Security.TLSServerName)
	client.SetDomain(domain)

	sendEvent(wsConn, Event{Status: "connecting"})

	if err := client.Connect(cfg.Target.DialTimeout); err != nil {
		sendEvent(wsConn, Event{Status: "failed", Error: err.Error()})
		return
	}
	defer func() {
		if err := client.Close(); err != nil {
			logging.Debug("close rdp transport: %v", err)
		}
	}()

	if err := client.StartTLS(); err != nil {
		sendEvent(wsConn, Event{Status: "failed", Error: err.Error()})
		return
	}

	sendEvent(wsConn, Event{Status: "negotiating"})

	if err := client.Negotiate(); err != nil {
		event := Event{Status: "failed", Error: err.Error()}
		if kind := credssp.KindOf(err); kind != 0 {
			event.Kind = kind.String()
		}
		sendEvent(wsConn, event)
		return
	}

	sendEvent(wsConn, Event{Status: "complete", Rounds: client.Rounds()})
}

func sendEvent(wsConn *websocket.Conn, event Event) {
	if err := wsConn.WriteJSON(event); err != nil {
		logging.Debug("write websocket event: %v", err)
	}
}

// isAllowedOrigin accepts same-host requests, non-browser clients (no
// Origin header), and any origin on the configured allowlist.
func isAllowedOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, requestHost) {
		return true
	}

	cfg := config.GetGlobalConfig()
	if cfg == nil {
		return false
	}
	for _, allowed := range cfg.Security.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) ||
			strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}

	return false
}
