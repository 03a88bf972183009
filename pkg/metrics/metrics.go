package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const namespace = "cloud_smoke"

// CommandList - commands measured by SmokeMetrics
var CommandList = []string{"pubsub", "publish", "receive", "storage", "list", "download", "copy", "move", "clean"}

type SmokeMetrics struct {
	SuccessfulCounter map[string]prometheus.Counter
	FailedCounter     map[string]prometheus.Counter
	LastStart         map[string]prometheus.Gauge
	LastFinish        map[string]prometheus.Gauge
	LastDuration      map[string]prometheus.Gauge
	LastStatus        map[string]prometheus.Gauge
	LastItems         map[string]prometheus.Gauge

	Registry *prometheus.Registry
	logger   zerolog.Logger
}

func NewSmokeMetrics() *SmokeMetrics {
	return &SmokeMetrics{
		Registry: prometheus.NewRegistry(),
		logger:   log.With().Str("logger", "metrics").Logger(),
	}
}

// RegisterMetrics register prometheus metrics for every command from CommandList
func (m *SmokeMetrics) RegisterMetrics() {
	m.SuccessfulCounter = map[string]prometheus.Counter{}
	m.FailedCounter = map[string]prometheus.Counter{}
	m.LastStart = map[string]prometheus.Gauge{}
	m.LastFinish = map[string]prometheus.Gauge{}
	m.LastDuration = map[string]prometheus.Gauge{}
	m.LastStatus = map[string]prometheus.Gauge{}
	m.LastItems = map[string]prometheus.Gauge{}

	for _, command := range CommandList {
		m.SuccessfulCounter[command] = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("successful_%s_runs", command),
			Help:      fmt.Sprintf("Counter of successful %s runs", command),
		})
		m.FailedCounter[command] = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("failed_%s_runs", command),
			Help:      fmt.Sprintf("Counter of failed %s runs", command),
		})
		m.LastStart[command] = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("last_%s_start", command),
			Help:      fmt.Sprintf("Last %s start timestamp", command),
		})
		m.LastFinish[command] = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("last_%s_finish", command),
			Help:      fmt.Sprintf("Last %s finish timestamp", command),
		})
		m.LastDuration[command] = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("last_%s_duration", command),
			Help:      fmt.Sprintf("Last %s duration in nanoseconds", command),
		})
		m.LastStatus[command] = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("last_%s_status", command),
			Help:      fmt.Sprintf("Last %s status: 0=failed, 1=success, 2=unknown", command),
		})
		m.LastItems[command] = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      fmt.Sprintf("last_%s_items", command),
			Help:      fmt.Sprintf("Messages or objects processed by last %s", command),
		})
		m.Registry.MustRegister(
			m.SuccessfulCounter[command],
			m.FailedCounter[command],
			m.LastStart[command],
			m.LastFinish[command],
			m.LastDuration[command],
			m.LastStatus[command],
			m.LastItems[command],
		)
		m.LastStatus[command].Set(2) // 0=failed, 1=success, 2=unknown
	}
}

func (m *SmokeMetrics) Start(command string, startTime time.Time) {
	if gauge, exists := m.LastStart[command]; exists {
		gauge.Set(float64(startTime.Unix()))
	} else {
		m.logger.Warn().Msgf("%s not found in LastStart metrics", command)
	}
}

func (m *SmokeMetrics) Finish(command string, startTime time.Time) {
	if gauge, exists := m.LastFinish[command]; exists {
		m.LastDuration[command].Set(float64(time.Since(startTime).Nanoseconds()))
		gauge.Set(float64(time.Now().Unix()))
	} else {
		m.logger.Warn().Msgf("%s not found in LastFinish metrics", command)
	}
}

func (m *SmokeMetrics) Success(command string) {
	if counter, exists := m.SuccessfulCounter[command]; exists {
		counter.Inc()
		m.LastStatus[command].Set(1)
	} else {
		m.logger.Warn().Msgf("%s not found in SuccessfulCounter metrics", command)
	}
}

func (m *SmokeMetrics) Failure(command string) {
	if counter, exists := m.FailedCounter[command]; exists {
		counter.Inc()
		m.LastStatus[command].Set(0)
	} else {
		m.logger.Warn().Msgf("%s not found in FailedCounter metrics", command)
	}
}

// ExecuteWithMetrics runs f, f returns the count of processed messages or objects
func (m *SmokeMetrics) ExecuteWithMetrics(command string, f func() (int, error)) error {
	startTime := time.Now()
	m.Start(command, startTime)
	items, err := f()
	m.Finish(command, startTime)
	if gauge, exists := m.LastItems[command]; exists {
		gauge.Set(float64(items))
	}
	if err != nil {
		m.logger.Error().Msgf("metrics.ExecuteWithMetrics(%s) return error: %v", command, err)
		m.Failure(command)
	} else {
		m.Success(command)
	}
	return err
}

// WriteToTextfile dumps the registry in the node_exporter textfile collector format, empty filename is a noop
func (m *SmokeMetrics) WriteToTextfile(filename string) error {
	if filename == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(filename, m.Registry); err != nil {
		return fmt.Errorf("can't write metrics to %s: %v", filename, err)
	}
	m.logger.Debug().Str("file", filename).Msg("metrics written")
	return nil
}
