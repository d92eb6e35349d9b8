package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fuomag9/serverlord/internal/uptime"
)

// TaskGraphResponse is the body of GET /api/tasks/{id}/graph
type TaskGraphResponse struct {
	Task   TaskView       `json:"task"`
	Points []uptime.Point `json:"points"`
}

// UserGraphResponse is the body of GET /api/users/{id}/graph
type UserGraphResponse struct {
	UserID              int64              `json:"user_id"`
	TimeRange           string             `json:"time_range"`
	TaskCount           int                `json:"task_count"`
	Count               int                `json:"count"`
	AvgUptimePercentage float64            `json:"avg_uptime_percentage"`
	Points              []uptime.UserPoint `json:"points"`
}

// graphParams reads timeRange and maxPoints
func (d *Deps) graphParams(w http.ResponseWriter, r *http.Request) (time.Duration, int, bool) {
	query := r.URL.Query()

	window, err := uptime.ParseTimeRange(query.Get("timeRange"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, 0, false
	}

	maxPoints := d.Config.Graph.MaxPoints
	if raw := query.Get("maxPoints"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "maxPoints must be a positive integer", http.StatusBadRequest)
			return 0, 0, false
		}
		maxPoints = n
	}
	return window, maxPoints, true
}

// HandleGetTaskGraph returns a task's uptime series
func HandleGetTaskGraph(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			http.Error(w, "Invalid task ID", http.StatusBadRequest)
			return
		}
		window, maxPoints, ok := d.graphParams(w, r)
		if !ok {
			return
		}

		task, samples, err := d.Calculator.Series(r.Context(), id, window, maxPoints)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}

		owner, _ := OwnerFromContext(r.Context())
		if task.OwnerID != owner {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, TaskGraphResponse{
			Task:   d.view(task).Task,
			Points: uptime.Points(samples),
		})
	}
}

// HandleGetUserGraph returns the owner's merged series
func HandleGetUserGraph(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authorizeUser(w, r)
		if !ok {
			return
		}
		window, maxPoints, ok := d.graphParams(w, r)
		if !ok {
			return
		}

		points, err := d.Calculator.UserSeries(r.Context(), userID, window, maxPoints)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}
		avg, err := d.Calculator.UserAggregate(r.Context(), userID, window)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}
		tasks, err := d.Tasks.List(r.Context(), userID)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}

		timeRange := r.URL.Query().Get("timeRange")
		if timeRange == "" {
			timeRange = "30d"
		}

		writeJSON(w, http.StatusOK, UserGraphResponse{
			UserID:              userID,
			TimeRange:           timeRange,
			TaskCount:           len(tasks),
			Count:               len(points),
			AvgUptimePercentage: avg * 100,
			Points:              points,
		})
	}
}
