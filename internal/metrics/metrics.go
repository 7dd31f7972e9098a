// -----------------------------------------------------------------------
// Metrics - Prometheus instrumentation for lookup jobs
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/supercomp/internal/models"
)

const namespace = "supercomp"

var (
	metricJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "Lookup jobs created.",
	})
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job state transitions by source and target state.",
	}, []string{"from", "to"})
	metricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal state, by state and error kind.",
	}, []string{"state", "error_kind"})
	metricJobsInState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_state",
		Help:      "Jobs currently held in memory, by state.",
	}, []string{"state"})
	metricChallenges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "captcha_challenges_total",
		Help:      "Challenges published to operators.",
	})
	metricCaptchaWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "captcha_wait_seconds",
		Help:      "Time a job spent waiting for an operator solution.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	metricJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from job creation to a terminal state.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
	})
	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status code class.",
	}, []string{"method", "code"})
)

// Recorder turns job transitions into metrics. Observe is safe to call from
// the job store listener; it never calls back into the store.
type Recorder struct {
	mu      sync.Mutex
	waiting map[string]time.Time
}

// NewRecorder creates a transition recorder
func NewRecorder() *Recorder {
	return &Recorder{waiting: make(map[string]time.Time)}
}

// Observe records a committed transition. from is empty for a newly created job.
func (r *Recorder) Observe(from models.JobState, job *models.Job) {
	now := time.Now()

	if from == "" {
		metricJobsCreated.Inc()
	} else {
		metricTransitions.WithLabelValues(string(from), string(job.State)).Inc()
		metricJobsInState.WithLabelValues(string(from)).Dec()
	}
	metricJobsInState.WithLabelValues(string(job.State)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	if job.State == models.JobStateWaitingCaptcha {
		metricChallenges.Inc()
		r.waiting[job.ID] = now
	}
	if from == models.JobStateWaitingCaptcha {
		if started, ok := r.waiting[job.ID]; ok {
			metricCaptchaWait.Observe(now.Sub(started).Seconds())
			delete(r.waiting, job.ID)
		}
	}

	if job.State.IsTerminal() {
		delete(r.waiting, job.ID)
		metricJobsFinished.WithLabelValues(string(job.State), job.ErrorKind).Inc()
		metricJobDuration.Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())
	}
}

// Forget adjusts the state gauge for jobs removed by retention
func (r *Recorder) Forget(job *models.Job) {
	metricJobsInState.WithLabelValues(string(job.State)).Dec()
}

// ObserveRequest counts a served HTTP request
func ObserveRequest(method string, status int) {
	metricHTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
