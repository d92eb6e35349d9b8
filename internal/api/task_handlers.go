package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/store"
	"github.com/fuomag9/serverlord/internal/uptime"
)

// TaskView is a task as presented to the dashboard
type TaskView struct {
	models.Task
	UptimeSeconds   float64 `json:"uptime_seconds"`
	DowntimeSeconds float64 `json:"downtime_seconds"`
	PingURL         string  `json:"ping_url"`
	// OverdueRatio is the time since the last ping divided by the interval;
	// nil while the task is pending
	OverdueRatio *float64 `json:"overdue_ratio"`
}

// TaskMetrics summarizes a task's accounting
type TaskMetrics struct {
	UptimePercentage float64    `json:"uptime_percentage"`
	LastChecked      *time.Time `json:"last_checked"`
}

// TaskResponse is the body of the task endpoints
type TaskResponse struct {
	Task    TaskView    `json:"task"`
	Metrics TaskMetrics `json:"metrics"`
}

// CreateTaskRequest is the body of POST /api/tasks. A client-supplied
// ping_url is ignored.
type CreateTaskRequest struct {
	UserID     int64  `json:"user_id"`
	Name       string `json:"name"`
	Interval   int    `json:"interval"`
	TaskNumber int    `json:"task_number"`
	PingURL    string `json:"ping_url,omitempty"`
}

// UpdateTaskRequest is the body of PUT /api/tasks/{id}. Status is owned by
// the engine and ignored.
type UpdateTaskRequest struct {
	Name       *string `json:"name"`
	Interval   *int    `json:"interval"`
	TaskNumber *int    `json:"task_number"`
}

func (d *Deps) view(t models.Task) TaskResponse {
	v := TaskView{
		Task:            t,
		UptimeSeconds:   t.UptimeSeconds(),
		DowntimeSeconds: t.DowntimeSeconds(),
		PingURL:         d.Config.PublicURL + "/ping/" + t.PingToken,
	}
	if t.LastPingAt != nil && t.IntervalSeconds > 0 {
		ratio := d.Clock.Now().Sub(*t.LastPingAt).Seconds() / float64(t.IntervalSeconds)
		v.OverdueRatio = &ratio
	}
	return TaskResponse{
		Task: v,
		Metrics: TaskMetrics{
			UptimePercentage: uptime.Percentage(t.UptimeMS, t.DowntimeMS) * 100,
			LastChecked:      t.AccountedAt,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// authorizeUser checks that /users/{id} names the authenticated owner
func authorizeUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := parseID(r)
	if !ok {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	owner, _ := OwnerFromContext(r.Context())
	if owner != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return 0, false
	}
	return userID, true
}

// loadOwnedTask loads /tasks/{id}; tasks of other owners answer 404
func (d *Deps) loadOwnedTask(w http.ResponseWriter, r *http.Request) (models.Task, bool) {
	id, ok := parseID(r)
	if !ok {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return models.Task{}, false
	}

	task, err := d.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, d.logger(), err)
		return models.Task{}, false
	}

	owner, _ := OwnerFromContext(r.Context())
	if task.OwnerID != owner {
		http.Error(w, "Task not found", http.StatusNotFound)
		return models.Task{}, false
	}
	return task, true
}

// HandleGetUserTasks lists the owner's tasks
func HandleGetUserTasks(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authorizeUser(w, r)
		if !ok {
			return
		}

		tasks, err := d.Tasks.List(r.Context(), userID)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}

		out := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, d.view(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HandleCreateTask registers a new task for the authenticated owner
func HandleCreateTask(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		owner, _ := OwnerFromContext(r.Context())
		if req.UserID != 0 && req.UserID != owner {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		task, err := d.Tasks.Create(r.Context(), monitor.NewTask{
			OwnerID:         owner,
			Name:            req.Name,
			IntervalSeconds: req.Interval,
			TaskNumber:      req.TaskNumber,
		})
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}

		writeJSON(w, http.StatusCreated, d.view(task))
	}
}

// HandleGetTask returns one task with its metrics
func HandleGetTask(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := d.loadOwnedTask(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, d.view(task))
	}
}

// HandleUpdateTask edits name, interval or task number
func HandleUpdateTask(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := d.loadOwnedTask(w, r)
		if !ok {
			return
		}

		var req UpdateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		update := store.TaskUpdate{
			Name:            req.Name,
			IntervalSeconds: req.Interval,
			TaskNumber:      req.TaskNumber,
		}
		if update.Empty() {
			writeJSON(w, http.StatusOK, d.view(task))
			return
		}

		updated, err := d.Tasks.Update(r.Context(), task.ID, update)
		if err != nil {
			writeError(w, d.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, d.view(updated))
	}
}

// HandleDeleteTask removes a task and its samples
func HandleDeleteTask(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := d.loadOwnedTask(w, r)
		if !ok {
			return
		}

		if err := d.Tasks.Delete(r.Context(), task.ID); err != nil {
			writeError(w, d.logger(), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
