package metrics

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
)

// LogReporter is a tally.StatsReporter writing every reported value to a
// logrus logger at debug level.
type LogReporter struct {
	logger log.FieldLogger
}

// NewLogReporter returns a reporter logging to logger, or to the standard
// logrus logger when logger is nil.
func NewLogReporter(logger log.FieldLogger) *LogReporter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) entry(kind, name string, tags map[string]string) *log.Entry {
	fields := log.Fields{"metric": name, "kind": kind}
	for k, v := range tags {
		fields["tag."+k] = v
	}
	return r.logger.WithFields(fields)
}

// ReportCounter implements tally.StatsReporter.
func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.entry("counter", name, tags).WithField("value", value).Debug("Metric")
}

// ReportGauge implements tally.StatsReporter.
func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.entry("gauge", name, tags).WithField("value", value).Debug("Metric")
}

// ReportTimer implements tally.StatsReporter.
func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.entry("timer", name, tags).WithField("value", interval).Debug("Metric")
}

// ReportHistogramValueSamples implements tally.StatsReporter.
func (r *LogReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.entry("histogram", name, tags).WithFields(log.Fields{
		"lower": lower, "upper": upper, "samples": samples,
	}).Debug("Metric")
}

// ReportHistogramDurationSamples implements tally.StatsReporter.
func (r *LogReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.entry("histogram", name, tags).WithFields(log.Fields{
		"lower": lower, "upper": upper, "samples": samples,
	}).Debug("Metric")
}

// Capabilities implements tally.StatsReporter.
func (r *LogReporter) Capabilities() tally.Capabilities { return r }

// Reporting implements tally.Capabilities.
func (r *LogReporter) Reporting() bool { return true }

// Tagging implements tally.Capabilities.
func (r *LogReporter) Tagging() bool { return true }

// Flush implements tally.StatsReporter.
func (r *LogReporter) Flush() {}

// NewRootScope returns a root scope named prefix. A nil reporter discards
// every value. The scope reports every interval, when positive, and once more
// when closed.
func NewRootScope(prefix string, reporter tally.StatsReporter, interval time.Duration) (tally.Scope, io.Closer) {
	if reporter == nil {
		reporter = tally.NullStatsReporter
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:                 prefix,
		Reporter:               reporter,
		OmitCardinalityMetrics: true,
	}, interval)
}
