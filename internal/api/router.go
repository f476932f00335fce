package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/metrics"
	"github.com/samhotchkiss/popo-bridge/internal/middleware"
	"github.com/samhotchkiss/popo-bridge/internal/webhook"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// RouterOptions wires the callback route to its deployments and dispatcher.
type RouterOptions struct {
	Bots       config.Bots
	Dispatcher webhook.Dispatcher
	Logger     logrus.FieldLogger
}

func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth)
	r.Get("/", rootHandler(opts.Bots))
	r.Get("/metrics", handleMetrics)

	r.Handle("/bots/{"+webhook.DeploymentParam+"}/callback", &webhook.CallbackHandler{
		Bots:       opts.Bots,
		Dispatcher: opts.Dispatcher,
		Logger:     opts.Logger,
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	sendJSON(w, http.StatusOK, resp)
}

func rootHandler(bots config.Bots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		sendJSON(w, http.StatusOK, map[string]any{
			"name":        "POPO Bridge",
			"tagline":     "POPO robot callbacks answered by your agents",
			"health":      "/health",
			"metrics":     "/metrics",
			"callback":    "/bots/{deployment}/callback",
			"deployments": bots.IDs(),
		})
	}
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, metrics.SnapshotNow())
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
