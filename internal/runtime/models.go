package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Optional headers a transport can set so handler stats report backlog.
const (
	MetadataKeyQueueDepth = "fanout_queue_depth"
	MetadataKeyEnqueuedAt = "fanout_enqueued_at"
)

// HandlerStats aggregates what one router handler (inbox or worker) has seen.
// It is served as JSON by the WebUI.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed uint64    `json:"messages_processed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	LastProcessedAt   time.Time `json:"last_processed_at"`

	// Callbacks counts envelope executions per registered handler name.
	Callbacks map[string]*CallbackCounts `json:"callbacks,omitempty"`

	Latency LatencyMetrics `json:"latency"`
	Errors  ErrorBreakdown `json:"errors"`
	Backlog BacklogMetrics `json:"backlog"`
}

type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	PublishQueue string        `json:"publish_queue"`
	Stats        *HandlerStats `json:"stats"`
}

type CallbackCounts struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

type LatencyMetrics struct {
	AverageNs int64 `json:"average_ns"`
	MaxNs     int64 `json:"max_ns"`
	LastNs    int64 `json:"last_ns"`
	totalNs   int64
}

// ErrorBreakdown buckets failures by ErrorCategory.
type ErrorBreakdown struct {
	Poison     uint64 `json:"poison"`
	Condition  uint64 `json:"condition"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

// BacklogMetrics reports -1 for depth and lag until a transport supplies the
// backlog headers.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryPoison     ErrorCategory = "poison"
	ErrorCategoryCondition  ErrorCategory = "condition"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		Callbacks: make(map[string]*CallbackCounts),
		Backlog:   BacklogMetrics{LastQueueDepth: -1, EstimatedLagMillis: -1},
	}
}

// wrapHandlerWithStats records one sample per delivery around handler.
func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.NoPublishHandlerFunc {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return func(msg *message.Message) error {
		stats.begin()
		start := time.Now()
		err := handler(msg)
		stats.finish(msg, time.Since(start), err, classifier(err))
		return err
	}
}

func (h *HandlerStats) begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
}

func (h *HandlerStats) finish(msg *message.Message, took time.Duration, err error, category ErrorCategory) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if depth, ok := queueDepth(msg); ok {
		h.Backlog.LastQueueDepth = depth
	}
	if lag, ok := queueLag(msg); ok {
		h.Backlog.EstimatedLagMillis = lag
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.LastProcessedAt = time.Now().UTC()

	ns := int64(took)
	h.Latency.totalNs += ns
	h.Latency.LastNs = ns
	h.Latency.MaxNs = max(h.Latency.MaxNs, ns)
	h.Latency.AverageNs = h.Latency.totalNs / int64(h.MessagesProcessed)

	if msg.Metadata.Get(metadatapkg.KeyKind) == metadatapkg.KindEnvelope {
		name := msg.Metadata.Get(metadatapkg.KeyHandler)
		counts, ok := h.Callbacks[name]
		if !ok {
			counts = &CallbackCounts{}
			h.Callbacks[name] = counts
		}
		if err != nil {
			counts.Failed++
		} else {
			counts.Succeeded++
		}
	}

	h.Errors.Record(category, err)
}

func queueDepth(msg *message.Message) (int64, bool) {
	depth, err := strconv.ParseInt(msg.Metadata.Get(MetadataKeyQueueDepth), 10, 64)
	return depth, err == nil
}

func queueLag(msg *message.Message) (int64, bool) {
	enqueued, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(MetadataKeyEnqueuedAt))
	if err != nil {
		return 0, false
	}
	return max(time.Since(enqueued).Milliseconds(), 0), true
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryPoison:
		e.Poison++
	case ErrorCategoryCondition:
		e.Condition++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var (
		handlerErr   *errspkg.HandlerExecutionError
		conditionErr *errspkg.ConditionEvaluationError
	)
	switch {
	case errors.Is(err, errspkg.ErrPoisonMessage):
		return ErrorCategoryPoison
	case errors.As(err, &conditionErr):
		return ErrorCategoryCondition
	case errors.As(err, &handlerErr):
		return ErrorCategoryDownstream
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryTransport
}
