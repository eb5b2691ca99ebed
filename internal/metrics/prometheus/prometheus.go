package prometheus

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clusterd"

// Recorder is a Prometheus metrics.Recorder.
type Recorder struct {
	loopDuration     *prometheus.HistogramVec
	loopHandled      *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	tasksReaped      prometheus.Counter
	clustersExpired  prometheus.Counter
	longRunningTasks prometheus.Gauge
}

// NewRecorder returns a new Prometheus recorder registered on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		loopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "loop_tick_duration_seconds",
			Help:      "The duration of the periodic loop ticks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop", "success"}),

		loopHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "loop_handled_elements_total",
			Help:      "The total number of elements handled by the periodic loops.",
		}, []string{"loop"}),

		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_attempts_finished_total",
			Help:      "The total number of task attempts that reached a final status.",
		}, []string{"action", "status"}),

		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "jobs_finished_total",
			Help:      "The total number of jobs that reached a final status.",
		}, []string{"cluster_action", "status"}),

		tasksReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "tasks_reaped_total",
			Help:      "The total number of in flight tasks failed by timeout.",
		}),

		clustersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "clusters_expired_total",
			Help:      "The total number of expired clusters sent to deletion.",
		}),

		longRunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "long_running_tasks",
			Help:      "The number of tasks in progress for longer than the task timeout.",
		}),
	}

	reg.MustRegister(
		r.loopDuration,
		r.loopHandled,
		r.tasksFinished,
		r.jobsFinished,
		r.tasksReaped,
		r.clustersExpired,
		r.longRunningTasks,
	)

	return r
}

func (r *Recorder) ObserveLoopTick(ctx context.Context, loop string, handled int, err error, duration time.Duration) {
	r.loopDuration.WithLabelValues(loop, strconv.FormatBool(err == nil)).Observe(duration.Seconds())
	r.loopHandled.WithLabelValues(loop).Add(float64(handled))
}

func (r *Recorder) IncTaskFinished(ctx context.Context, action, status string) {
	r.tasksFinished.WithLabelValues(action, status).Inc()
}

func (r *Recorder) IncJobFinished(ctx context.Context, clusterAction, status string) {
	r.jobsFinished.WithLabelValues(clusterAction, status).Inc()
}

func (r *Recorder) IncTaskReaped(ctx context.Context) { r.tasksReaped.Inc() }

func (r *Recorder) IncClusterExpired(ctx context.Context) { r.clustersExpired.Inc() }

func (r *Recorder) SetLongRunningTasks(ctx context.Context, n int) {
	r.longRunningTasks.Set(float64(n))
}
