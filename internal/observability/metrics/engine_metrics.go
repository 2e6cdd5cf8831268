package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeComputed         = "computed"
	OutcomeNoApplicableRule = "no_applicable_rule"
	OutcomeInvalidRule      = "invalid_rule"
	OutcomeRefunded         = "refunded"
	OutcomeDuplicate        = "duplicate"

	SplitOutcomeOK        = "ok"
	SplitOutcomeRejected  = "rejected"
	SplitOutcomeIntegrity = "integrity_violation"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

// EngineMetrics carries Prometheus instruments for the commission engine and
// its background jobs. All methods are safe on a nil receiver.
type EngineMetrics struct {
	computations      *prometheus.CounterVec
	clamped           prometheus.Counter
	ruleAmbiguous     prometheus.Counter
	splits            *prometheus.CounterVec
	clearanceBatches  prometheus.Counter
	clearanceRecords  *prometheus.CounterVec
	reversals         prometheus.Counter
	tierRecalculation *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	runLoopLag        prometheus.Observer
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the process-wide engine metrics registered on the default registerer.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// NewEngineMetricsForTest registers a fresh set of instruments on registerer.
func NewEngineMetricsForTest(registerer prometheus.Registerer) *EngineMetrics {
	return newEngineMetrics(registerer, Config{ServiceName: "revshare", Environment: "test"})
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "revshare"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &EngineMetrics{
		computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_commission_computations_total",
			Help:        "Commission computations by rule type and outcome.",
			ConstLabels: constLabels,
		}, []string{"rule_type", "outcome"}),
		clamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "revshare_commission_clamped_total",
			Help:        "Commission results clamped to zero.",
			ConstLabels: constLabels,
		}),
		ruleAmbiguous: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "revshare_rule_selection_ambiguous_total",
			Help:        "Rule selections where several rules matched and the newest was used.",
			ConstLabels: constLabels,
		}),
		splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_order_splits_total",
			Help:        "Parent order splits by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		clearanceBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "revshare_clearance_batches_total",
			Help:        "Clearance batches committed.",
			ConstLabels: constLabels,
		}),
		clearanceRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_clearance_records_total",
			Help:        "Commission record transitions by target status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		reversals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "revshare_commission_reversals_total",
			Help:        "Reversal records created for refunded events.",
			ConstLabels: constLabels,
		}),
		tierRecalculation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_vendor_tier_recalculations_total",
			Help:        "Vendor tier recalculations by whether the level changed.",
			ConstLabels: constLabels,
		}, []string{"changed"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "revshare_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_scheduler_job_timeouts_total",
			Help:        "Scheduler job timeouts.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revshare_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "revshare_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	})
	m.runLoopLag = lag

	registerer.MustRegister(
		m.computations,
		m.clamped,
		m.ruleAmbiguous,
		m.splits,
		m.clearanceBatches,
		m.clearanceRecords,
		m.reversals,
		m.tierRecalculation,
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		lag,
	)
	return m
}

func (m *EngineMetrics) IncComputation(ruleType, outcome string) {
	if m == nil {
		return
	}
	m.computations.WithLabelValues(ruleType, outcome).Inc()
}

func (m *EngineMetrics) IncClamped() {
	if m == nil {
		return
	}
	m.clamped.Inc()
}

func (m *EngineMetrics) IncRuleAmbiguous() {
	if m == nil {
		return
	}
	m.ruleAmbiguous.Inc()
}

func (m *EngineMetrics) IncSplit(outcome string) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(outcome).Inc()
}

// AddClearance records one committed batch and the number of records moved to status.
func (m *EngineMetrics) AddClearance(status string, records int) {
	if m == nil || records <= 0 {
		return
	}
	m.clearanceBatches.Inc()
	m.clearanceRecords.WithLabelValues(status).Add(float64(records))
}

func (m *EngineMetrics) AddReversals(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reversals.Add(float64(n))
}

func (m *EngineMetrics) IncTierRecalculation(changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.tierRecalculation.WithLabelValues(label).Inc()
}

func (m *EngineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *EngineMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *EngineMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifyJobReason maps a job error to a low-cardinality reason label.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
