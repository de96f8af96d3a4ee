package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type domainMetrics struct {
	deploysTotal   *prometheus.CounterVec
	deployDuration prometheus.Histogram
	deployFiles    prometheus.Histogram

	sweepRunsTotal     prometheus.Counter
	sweptFilesTotal    prometheus.Counter
	sweepErrorsTotal   *prometheus.CounterVec
	sweepLastSuccessTs prometheus.Gauge

	admissionTotal      *prometheus.CounterVec
	admissionQueueDepth prometheus.Gauge

	resolutionsTotal *prometheus.CounterVec
}

func newDomainMetrics() domainMetrics {
	return domainMetrics{
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "site_deploys_total",
			Help: "Total site deploys by result",
		}, []string{"result"}),
		deployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "site_deploy_duration_seconds",
			Help:    "Time to store, extract and record a site bundle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		deployFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "site_deploy_files",
			Help:    "Files extracted per successful deploy",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		sweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsolete_sweep_runs_total",
			Help: "Total number of obsolete file sweep cycles",
		}),
		sweptFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsolete_swept_files_total",
			Help: "Total obsolete files removed from storage and the store",
		}),
		sweepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsolete_sweep_errors_total",
			Help: "Total sweep errors by type",
		}, []string{"type"}),
		sweepLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obsolete_sweep_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last sweep cycle that listed obsolete files",
		}),
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_admission_decisions_total",
			Help: "Cross-origin admission decisions by result",
		}, []string{"result"}),
		admissionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_admission_queue_depth",
			Help: "Pending cross-origin lookups",
		}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "site_resolutions_total",
			Help: "Page resolutions by outcome",
		}, []string{"outcome"}),
	}
}

func (d domainMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		d.deploysTotal,
		d.deployDuration,
		d.deployFiles,
		d.sweepRunsTotal,
		d.sweptFilesTotal,
		d.sweepErrorsTotal,
		d.sweepLastSuccessTs,
		d.admissionTotal,
		d.admissionQueueDepth,
		d.resolutionsTotal,
	}
}

// ObserveDeploy records one deploy attempt. files is only observed on success.
func (d domainMetrics) ObserveDeploy(result string, dur time.Duration, files int) {
	d.deploysTotal.WithLabelValues(result).Inc()
	d.deployDuration.Observe(dur.Seconds())
	if result == "ok" {
		d.deployFiles.Observe(float64(files))
	}
}

func (d domainMetrics) IncSweepRuns() {
	d.sweepRunsTotal.Inc()
}

func (d domainMetrics) AddSweptFiles(n int) {
	d.sweptFilesTotal.Add(float64(n))
}

func (d domainMetrics) IncSweepError(errType string) {
	d.sweepErrorsTotal.WithLabelValues(errType).Inc()
}

func (d domainMetrics) SetSweepLastSuccess(t time.Time) {
	d.sweepLastSuccessTs.Set(float64(t.Unix()))
}

func (d domainMetrics) IncAdmission(result string) {
	d.admissionTotal.WithLabelValues(result).Inc()
}

func (d domainMetrics) SetAdmissionQueueDepth(n int) {
	d.admissionQueueDepth.Set(float64(n))
}

func (d domainMetrics) IncResolution(outcome string) {
	d.resolutionsTotal.WithLabelValues(outcome).Inc()
}
