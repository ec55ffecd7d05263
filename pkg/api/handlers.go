package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
}

type submitResponse struct {
	Job queue.Entry `json:"job"`
}

type jobResponse struct {
	Job         *store.Job         `json:"job"`
	Queue       *queueStatus       `json:"queue,omitempty"`
	ZeekTests   []store.ZeekTest   `json:"zeek_tests,omitempty"`
	BrokerTests []store.BrokerTest `json:"broker_tests,omitempty"`
}

// queueStatus is only reported by queue backends that track job state.
type queueStatus struct {
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type jobListResponse struct {
	Jobs []store.Job `json:"jobs"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err with the status mapped from its kind. Only request
// errors carry a message meant for the caller.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := request.StatusCode(err)

	var reqErr *request.Error
	if errors.As(err, &reqErr) && reqErr.Kind != request.KindInternal {
		writeJSON(w, status, errorResponse{reqErr.Message})

		return
	}

	s.log.WithError(err).Error("Request failed")

	writeJSON(w, status, errorResponse{"internal error"})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit validates a submission of the given kind, records it and
// hands it to the queue.
func (s *server) handleSubmit(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.parser.Parse(kind, r)
		if err != nil {
			s.log.WithError(err).
				WithField("kind", kind).
				WithField("remote", r.RemoteAddr).
				Info("Rejected submission")

			s.writeError(w, err)

			return
		}

		d.JobID = queue.NewJobID()
		d.MachineID = s.machineID

		// The job row exists before a worker can see the job.
		if err := s.store.CreateJob(r.Context(), store.NewJob(d)); err != nil {
			s.writeError(w, err)

			return
		}

		entry, err := s.queue.Enqueue(r.Context(), d)
		if err != nil {
			s.writeError(w, err)

			return
		}

		s.log.WithField("job_id", entry.ID).
			WithField("kind", kind).
			WithField("branch", d.Branch).
			WithField("remote", d.Remote).
			Info("Job enqueued")

		writeJSON(w, http.StatusOK, submitResponse{Job: *entry})
	}
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		limit = min(n, maxJobListLimit)
	}

	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if jobs == nil {
		jobs = []store.Job{}
	}

	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"job not found"})

		return
	}

	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := jobResponse{Job: job}

	switch job.Kind {
	case request.KindZeek:
		resp.ZeekTests, err = s.store.ListZeekTests(r.Context(), id)
	case request.KindBroker:
		resp.BrokerTests, err = s.store.ListBrokerTests(r.Context(), id)
	}

	if err != nil {
		s.writeError(w, err)

		return
	}

	if sr, ok := s.queue.(queue.StatusReader); ok {
		item, err := sr.Status(r.Context(), id)
		if err != nil {
			s.writeError(w, err)

			return
		}

		if item != nil {
			resp.Queue = &queueStatus{
				Status:     item.Status,
				Error:      item.Error,
				EnqueuedAt: item.EnqueuedAt,
				StartedAt:  item.StartedAt,
				FinishedAt: item.FinishedAt,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
