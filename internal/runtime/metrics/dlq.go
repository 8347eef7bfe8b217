// Package metrics records dead-letter, retry, replay and maintenance statistics
// as Prometheus collectors under the fanout namespace.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanout"

// DLQMetrics tracks error queue statistics together with the retry and
// maintenance activity that feeds and drains it.
type DLQMetrics struct {
	mu sync.RWMutex

	// Per-topic counts
	topicCounts map[string]*DLQTopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	jobRunsTotal    *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds metrics for a specific error queue.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	RetriesScheduled uint64    `json:"retries_scheduled"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	TotalRetries  uint64                      `json:"total_retries"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets},
		labels,
	)
}

// NewDLQMetrics creates the collectors. A nil registerer selects the
// Prometheus default registerer.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts:     make(map[string]*DLQTopicMetrics),
		registerer:      registerer,
		messagesTotal:   newCounterVec("dlq", "messages_total", "Total number of envelopes dead-lettered to the error queue", []string{"topic", "handler"}),
		messagesCurrent: newGaugeVec("dlq", "messages_current", "Current number of messages held in the error queue", []string{"topic"}),
		replayedTotal:   newCounterVec("dlq", "replayed_total", "Total number of messages replayed from the error queue", []string{"topic"}),
		retriesTotal:    newCounterVec("retry", "scheduled_total", "Total number of envelopes sent to the retry queue", []string{"topic", "handler"}),
		jobRunsTotal:    newCounterVec("scheduler", "job_runs_total", "Maintenance job ticks by outcome", []string{"job", "outcome"}),
		ageSecondsHist:  newHistogramVec("dlq", "message_age_seconds", "Age of messages when moved to the error queue (time since first publish)", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"topic"}),
		retryCountHist:  newHistogramVec("dlq", "retry_count", "Number of retries before a message was moved to the error queue", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.replayedTotal,
		m.retriesTotal,
		m.jobRunsTotal,
		m.ageSecondsHist,
		m.retryCountHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageToDLQ records an envelope being dead-lettered.
func (m *DLQMetrics) RecordMessageToDLQ(topic, handler string, retryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.LastUpdatedAt = now
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = now
	}
	metrics.NewestMessageAt = now

	// Rolling average
	total := metrics.MessagesReceived
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, handler).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordRetryScheduled records an envelope being sent to the retry queue.
func (m *DLQMetrics) RecordRetryScheduled(topic, handler string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.RetriesScheduled++
	metrics.LastUpdatedAt = time.Now()

	m.retriesTotal.WithLabelValues(topic, handler).Inc()
}

// RecordMessageReplayed records a message being replayed from the error queue.
func (m *DLQMetrics) RecordMessageReplayed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReplayed++
	if metrics.MessagesCurrent > 0 {
		metrics.MessagesCurrent--
	}
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
}

// RecordJobRun counts one maintenance tick. outcome is "completed", "skipped"
// or "failed".
func (m *DLQMetrics) RecordJobRun(job, outcome string) {
	m.jobRunsTotal.WithLabelValues(job, outcome).Inc()
}

// SetCurrentCount directly sets the current message count, e.g. after a replay
// drained the queue.
func (m *DLQMetrics) SetCurrentCount(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesCurrent = count
	metrics.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics),
		CollectedAt:  time.Now(),
	}

	for topic, metrics := range m.topicCounts {
		copied := *metrics
		snapshot.TopicMetrics[topic] = &copied
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalRetries += metrics.RetriesScheduled
	}

	return snapshot
}

// GetTopicMetrics returns a copy of the metrics for topic, or nil.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		copied := *metrics
		return &copied
	}
	return nil
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &DLQTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.replayedTotal.Reset()
	m.retriesTotal.Reset()
	m.jobRunsTotal.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}
