package httpapi

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/thecoderpanda/ard-server/internal/metrics"
)

// NewMux registers the process-level routes. Static files are served only
// when staticDir exists.
func NewMux(db pinger, staticDir string, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	mux.Handle("GET /metrics", m.Handler())

	if staticDir != "" {
		if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
			mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
		} else {
			slog.Debug("static directory not found, /static/ disabled", "dir", staticDir)
		}
	}
	return mux
}
