package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/store"
	"github.com/fuomag9/serverlord/internal/telemetry"
)

// HandlePing records a heartbeat. Optional query parameters: status
// (started, success, completed, failure) and duration in seconds.
func HandlePing(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		if d.Limiter != nil && !d.Limiter.Allow(token+"|"+clientIP(r)) {
			d.recordPing(telemetry.PingRateLimited)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		note, err := parseAnnotation(r)
		if err != nil {
			d.recordPing(telemetry.PingBadRequest)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := d.Receiver.ReceivePing(r.Context(), token, time.Time{}, note)
		switch {
		case errors.Is(err, monitor.ErrInvalidToken):
			d.recordPing(telemetry.PingInvalid)
			http.Error(w, "Not found", http.StatusNotFound)
			return
		case errors.Is(err, store.ErrStorageUnavailable):
			d.recordPing(telemetry.PingError)
			d.logger().Warn("ping rejected, storage unavailable", "err", err)
			http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
			return
		case err != nil:
			d.recordPing(telemetry.PingError)
			d.logger().Error("failed to record ping", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		if result.OutOfOrder {
			d.recordPing(telemetry.PingOutOfOrder)
		} else {
			d.recordPing(telemetry.PingAccepted)
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

var (
	errBadStatus   = errors.New("invalid status, expected started, success, completed or failure")
	errBadDuration = errors.New("invalid duration, expected a non-negative number of seconds")
)

func parseAnnotation(r *http.Request) (monitor.Annotation, error) {
	query := r.URL.Query()

	outcome, ok := models.ParsePingOutcome(query.Get("status"))
	if !ok {
		return monitor.Annotation{}, errBadStatus
	}
	note := monitor.Annotation{Outcome: outcome}

	if raw := query.Get("duration"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
			return monitor.Annotation{}, errBadDuration
		}
		note.DurationSeconds = &seconds
	}
	return note, nil
}
