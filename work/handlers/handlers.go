package handlers

import (
	"encoding/json"
	"net/http"

	"stalker-proxy/work/proxy"

	"github.com/gorilla/mux"
)

func HandlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.GeneratePlaylist(w, r, "")
	}
}

func HandleGroupPlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		sp.GeneratePlaylist(w, r, vars["group"])
	}
}

func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		sp.HandleStream(w, r, vars["token"])
	}
}

// HandleHealth answers liveness probes. The process is alive even without a usable
// configuration, so this stays 200 and reports readiness in the body.
func HandleHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "ok", "ready": true}
		if err := sp.Ready(); err != nil {
			body["ready"] = false
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

// Register adds the gateway routes to router.
func Register(router *mux.Router, sp *proxy.StreamProxy, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	router.HandleFunc("/playlist", wrap(HandlePlaylist(sp))).Methods("GET")
	router.HandleFunc("/playlist.m3u", wrap(HandlePlaylist(sp))).Methods("GET")
	router.HandleFunc("/s/{token}", HandleStream(sp)).Methods("GET")
	router.HandleFunc("/healthz", HandleHealth(sp)).Methods("GET")
	router.HandleFunc("/{group}/playlist", wrap(HandleGroupPlaylist(sp))).Methods("GET")
}
