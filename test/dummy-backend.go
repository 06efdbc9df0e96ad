package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Local upstream for the sample routes. Requests carrying ?fail=<status>
// answer with that status so charge-on-success refunds can be exercised.
func main() {
	addr := flag.String("addr", ":3001", "listen address")
	flag.Parse()

	logger := zap.Must(zap.NewDevelopment())
	defer logger.Sync()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if code, err := strconv.Atoi(r.URL.Query().Get("fail")); err == nil && code >= 400 {
			status = code
		}

		logger.Info("Received request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "Hello from dummy backend",
			"addr":    *addr,
			"path":    r.URL.Path,
		})
	})

	logger.Info("Dummy backend starting", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Fatal("Dummy backend stopped", zap.Error(err))
	}
}
