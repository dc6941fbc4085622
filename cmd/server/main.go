package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/rcarmo/rdp-nla/internal/config"
	"github.com/rcarmo/rdp-nla/internal/handler"
	"github.com/rcarmo/rdp-nla/internal/logging"
)

const (
	appName    = "RDP NLA Gateway"
	appVersion = "v1.0.0"
)

func main() {
	hostFlag := flag.String("host", "", "gateway listen host")
	portFlag := flag.String("port", "", "gateway listen port")
	logLevelFlag := flag.String("log-level", "", "log level (debug, info, warn, error)")
	configFlag := flag.String("config", "", "path to YAML config file")
	skipTLS := flag.Bool("skip-tls-verify", false, "skip target TLS certificate validation")
	tlsServerName := flag.String("tls-server-name", "", "override target TLS server name")
	versionFlag := flag.Bool("version", false, "show version")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return
	}

	opts := config.LoadOptions{
		Host:              strings.TrimSpace(*hostFlag),
		Port:              strings.TrimSpace(*portFlag),
		LogLevel:          strings.TrimSpace(*logLevelFlag),
		ConfigFile:        strings.TrimSpace(*configFlag),
		SkipTLSValidation: *skipTLS,
		TLSServerName:     strings.TrimSpace(*tlsServerName),
	}

	cfg, err := config.LoadWithOverrides(opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	server := createServer(cfg)
	logging.Info("starting %s on %s:%s", appName, cfg.Server.Host, cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalln(err)
	}
}

func createServer(cfg *config.Config) *http.Server {
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", handler.Negotiate)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h := securityHeadersMiddleware(mux)
	h = requestLoggingMiddleware(h)

	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.Debug("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
