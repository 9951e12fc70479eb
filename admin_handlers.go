package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"stalker-proxy/work/middleware"
	"stalker-proxy/work/proxy"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"

	"github.com/gorilla/mux"
)

// StatusResponse is the gateway overview served by /api/status.
type StatusResponse struct {
	Version        string `json:"version"`
	Ready          bool   `json:"ready"`
	Error          string `json:"error,omitempty"`
	Uptime         string `json:"uptime"`
	Providers      int    `json:"providers"`
	Credentials    int    `json:"credentials"`
	ActiveSessions int    `json:"activeSessions"`
	CachedCatalogs int    `json:"cachedCatalogs"`
	ActiveStreams  int64  `json:"activeStreams"`
	MemoryUsage    string `json:"memoryUsage"`
	WorkerThreads  int    `json:"workerThreads"`
	RunningWorkers int    `json:"runningWorkers"`
}

// ProviderResponse describes one portal for the admin interface.
type ProviderResponse struct {
	Name      string         `json:"name"`
	Endpoint  string         `json:"endpoint"`
	Direct    bool           `json:"direct"`
	Devices   int            `json:"devices"`
	Sessions  []SessionInfo  `json:"sessions"`
	Cooldowns []CooldownInfo `json:"cooldowns"`
	Catalog   *CatalogInfo   `json:"catalog,omitempty"`
}

// SessionInfo is one live portal session. Device ids are masked.
type SessionInfo struct {
	Device    string `json:"device"`
	ExpiresIn string `json:"expiresIn"`
}

// CooldownInfo is one credential excluded after a rate-limit signal.
type CooldownInfo struct {
	Device    string `json:"device"`
	Remaining string `json:"remaining"`
}

// CatalogInfo summarizes the cached channel list of a provider.
type CatalogInfo struct {
	Device    string `json:"device"`
	Channels  int    `json:"channels"`
	FetchedAt string `json:"fetchedAt"`
	Age       string `json:"age"`
}

// LogEntry is one line of the admin event log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the JSON admin API.
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy) {
	router.HandleFunc("/api/status", corsMiddleware(middleware.GzipMiddleware(handleGetStatus(sp)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/providers", corsMiddleware(middleware.GzipMiddleware(handleGetProviders(sp)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/providers/refresh", corsMiddleware(handleRefreshProviders(sp))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(handleClearLogs)).Methods("DELETE", "OPTIONS")

	addLogEntry("info", "Admin interface initialized")
}

// corsMiddleware allows the admin API to be called from a browser on another origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func handleGetStatus(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		credentials := 0
		for _, p := range sp.Store.Providers() {
			credentials += len(p.Credentials())
		}

		resp := StatusResponse{
			Version:        Version,
			Ready:          true,
			Uptime:         formatDuration(time.Since(sp.StartedAt)),
			Providers:      sp.Store.Len(),
			Credentials:    credentials,
			ActiveSessions: len(sp.Sessions.Sessions()),
			CachedCatalogs: len(sp.Catalog.Entries()),
			ActiveStreams:  sp.ActiveStreams(),
			MemoryUsage:    formatBytes(m.Alloc),
			WorkerThreads:  sp.Config.WorkerThreads,
		}
		if err := sp.Ready(); err != nil {
			resp.Ready = false
			resp.Error = err.Error()
		}
		if sp.WorkerPool != nil {
			resp.RunningWorkers = sp.WorkerPool.Running()
		}

		json.NewEncoder(w).Encode(resp)
	}
}

func handleGetProviders(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		now := time.Now()
		sessions := map[string][]SessionInfo{}
		for _, s := range sp.Sessions.Sessions() {
			sessions[s.Credential.Endpoint] = append(sessions[s.Credential.Endpoint], SessionInfo{
				Device:    utils.MaskDevice(s.Credential.Device),
				ExpiresIn: formatDuration(s.ExpiresAt().Sub(now)),
			})
		}
		catalogs := map[string]types.CatalogEntry{}
		for _, e := range sp.Catalog.Entries() {
			catalogs[e.Credential.Endpoint] = e
		}

		out := make([]ProviderResponse, 0, sp.Store.Len())
		for _, p := range sp.Store.Providers() {
			pr := ProviderResponse{
				Name:      p.Name,
				Endpoint:  utils.LogURL(sp.Config.ObfuscateUrls, p.Endpoint),
				Direct:    p.IsDirect(),
				Devices:   len(p.Devices),
				Sessions:  sessions[p.Endpoint],
				Cooldowns: []CooldownInfo{},
			}
			if pr.Sessions == nil {
				pr.Sessions = []SessionInfo{}
			}
			for _, cred := range p.Credentials() {
				if remaining := sp.Cooldowns.Remaining(cred); remaining > 0 {
					pr.Cooldowns = append(pr.Cooldowns, CooldownInfo{
						Device:    utils.MaskDevice(cred.Device),
						Remaining: formatDuration(remaining),
					})
				}
			}
			if e, ok := catalogs[p.Endpoint]; ok {
				pr.Catalog = &CatalogInfo{
					Device:    utils.MaskDevice(e.Credential.Device),
					Channels:  len(e.Channels),
					FetchedAt: e.FetchedAt.Format(time.RFC3339),
					Age:       formatDuration(now.Sub(e.FetchedAt)),
				}
			}
			out = append(out, pr)
		}

		json.NewEncoder(w).Encode(out)
	}
}

// handleRefreshProviders drops cached catalogs; ?endpoint= limits it to one provider.
func handleRefreshProviders(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		endpoint := r.URL.Query().Get("endpoint")
		if err := sp.RefreshCatalog(endpoint); err != nil {
			addLogEntry("error", fmt.Sprintf("Catalog refresh failed: %v", err))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		target := endpoint
		if target == "" {
			target = "all providers"
		}
		addLogEntry("info", fmt.Sprintf("Catalog refresh requested for %s", utils.LogURL(sp.Config.ObfuscateUrls, target)))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "success",
			"message": "Catalog will be refetched on the next playlist request",
		})
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logMu.Lock()
	entries := append([]LogEntry(nil), logEntries...)
	logMu.Unlock()

	json.NewEncoder(w).Encode(entries)
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()

	addLogEntry("info", "Logs cleared via admin interface")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// addLogEntry appends to the admin log, keeping the newest maxLogEntries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
