package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/statesave/internal/logging"
)

const metricsNamespace = "statesave"

// RunMetrics is the snapshot of one backup or prune run.
type RunMetrics struct {
	Operation   string // "backup" or "prune"
	Hostname    string
	ToolVersion string

	StartTime time.Time
	EndTime   time.Time

	ExitCode     int
	ErrorCount   int
	WarningCount int

	// Backup runs.
	ArchiveSize       int64
	FileCount         int
	ProviderSuccesses map[string]bool

	// Prune runs.
	Deleted     int
	Kept        int
	PruneErrors int
}

// Status is 0 on success, 1 when warnings were logged and 2 on failure.
func (m *RunMetrics) Status() int {
	switch {
	case m.ExitCode != 0 || m.ErrorCount > 0:
		return 2
	case m.WarningCount > 0:
		return 1
	}
	return 0
}

// collector holds the gauges of one snapshot.
type collector struct {
	startTime   prometheus.Gauge
	endTime     prometheus.Gauge
	duration    prometheus.Gauge
	exitCode    prometheus.Gauge
	status      prometheus.Gauge
	errors      prometheus.Gauge
	warnings    prometheus.Gauge
	archiveSize prometheus.Gauge
	files       prometheus.Gauge
	providerOK  *prometheus.GaugeVec
	pruned      *prometheus.GaugeVec
	info        *prometheus.GaugeVec
}

func newCollector(operation string) *collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"operation": operation},
		})
	}
	vec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"operation": operation},
		}, labels)
	}
	return &collector{
		startTime:   gauge("start_time_seconds", "Unix timestamp of the last run start."),
		endTime:     gauge("end_time_seconds", "Unix timestamp of the last run end."),
		duration:    gauge("duration_seconds", "Duration of the last run in seconds."),
		exitCode:    gauge("exit_code", "Exit code of the last run."),
		status:      gauge("status", "Status of the last run (0=success,1=warning,2=error)."),
		errors:      gauge("errors", "Errors logged during the last run."),
		warnings:    gauge("warnings", "Warnings logged during the last run."),
		archiveSize: gauge("archive_size_bytes", "Size of the last archive in bytes."),
		files:       gauge("files", "Files in the last archive."),
		providerOK:  vec("provider_success", "Whether the last push to a provider succeeded.", "provider"),
		pruned:      vec("prune_backups", "Backups handled by the last prune, by outcome.", "outcome"),
		info:        vec("info", "Static information about this instance.", "hostname", "version"),
	}
}

func (c *collector) register(reg *prometheus.Registry) {
	reg.MustRegister(c.startTime, c.endTime, c.duration, c.exitCode, c.status, c.errors, c.warnings,
		c.archiveSize, c.files, c.providerOK, c.pruned, c.info)
}

// PrometheusExporter writes run metrics in the textfile format read by
// node_exporter's textfile collector.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Path returns the textfile written for operation.
func (pe *PrometheusExporter) Path(operation string) string {
	return filepath.Join(pe.textfileDir, fmt.Sprintf("statesave_%s.prom", operation))
}

// Export writes the snapshot to statesave_<operation>.prom, replacing the
// previous file atomically.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if m.Operation == "" {
		return fmt.Errorf("metrics operation is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	c := newCollector(m.Operation)
	reg := prometheus.NewRegistry()
	c.register(reg)

	end := m.EndTime
	if end.IsZero() {
		end = m.StartTime
	}
	c.startTime.Set(float64(m.StartTime.Unix()))
	c.endTime.Set(float64(end.Unix()))
	c.duration.Set(end.Sub(m.StartTime).Seconds())
	c.exitCode.Set(float64(m.ExitCode))
	c.status.Set(float64(m.Status()))
	c.errors.Set(float64(m.ErrorCount))
	c.warnings.Set(float64(m.WarningCount))
	c.archiveSize.Set(float64(m.ArchiveSize))
	c.files.Set(float64(m.FileCount))
	for provider, ok := range m.ProviderSuccesses {
		v := 0.0
		if ok {
			v = 1
		}
		c.providerOK.WithLabelValues(provider).Set(v)
	}
	if m.Operation == "prune" {
		c.pruned.WithLabelValues("deleted").Set(float64(m.Deleted))
		c.pruned.WithLabelValues("kept").Set(float64(m.Kept))
		c.pruned.WithLabelValues("failed").Set(float64(m.PruneErrors))
	}
	c.info.WithLabelValues(m.Hostname, m.ToolVersion).Set(1)

	path := pe.Path(m.Operation)
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics file %s: %w", path, err)
	}
	pe.logger.Debug("Prometheus metrics exported to %s", path)
	return nil
}
