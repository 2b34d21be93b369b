//go:build ignore

// Mock upstream for trying authgate locally. It echoes the request, including
// the identity header added by the gate.
// Run with: go run scripts/mock-backend.go -port 9000
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9000, "Port to listen on")
	identity := flag.String("identity-header", "username", "Header carrying the authenticated subject")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"subject":     r.Header.Get(*identity),
			"path":        r.URL.Path,
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"headers":     headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock upstream starting on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
