package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/store"
)

// writeError maps engine and store errors to HTTP status codes
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, monitor.ErrInvalidTask):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "Task was modified concurrently, please retry", http.StatusConflict)
	case errors.Is(err, store.ErrStorageUnavailable):
		logger.Warn("storage unavailable", "err", err)
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("request failed", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
