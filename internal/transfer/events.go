package transfer

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syndro-project/syndro/internal/model"
)

// EventType classifies a TransferEvent.
type EventType int

const (
	EventStarted EventType = iota + 1
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
	EventChunkSent
	EventChunkReceived
	EventApprovalRequested
)

func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventProgress:
		return "PROGRESS"
	case EventCompleted:
		return "COMPLETED"
	case EventFailed:
		return "FAILED"
	case EventCancelled:
		return "CANCELLED"
	case EventChunkSent:
		return "CHUNK_SENT"
	case EventChunkReceived:
		return "CHUNK_RECEIVED"
	case EventApprovalRequested:
		return "APPROVAL_REQUESTED"
	default:
		return "UNKNOWN"
	}
}

// Event describes one transfer lifecycle occurrence.
type Event struct {
	TransferID      string
	Type            EventType
	Timestamp       time.Time
	ProgressPercent float64
	Message         string
	Metadata        map[string]string
}

// subscription is one listener's event channel, optionally filtered to a
// single transfer.
type subscription struct {
	id              string
	transferFilter  string
	channel         chan *Event
}

// EventPublisher fans out transfer events to subscribers without blocking
// the publishing goroutine on a slow consumer.
type EventPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	bufferSize    int
}

// NewEventPublisher creates a publisher whose subscriber channels are
// each buffered to bufferSize events.
func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new listener, optionally filtered to transferID
// (empty means all transfers). The returned channel is closed by Unsubscribe.
func (p *EventPublisher) Subscribe(transferID string) (id string, ch <-chan *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &subscription{
		id:             uuid.NewString(),
		transferFilter: transferID,
		channel:        make(chan *Event, p.bufferSize),
	}
	p.subscriptions[sub.id] = sub
	return sub.id, sub.channel
}

// Unsubscribe removes and closes a listener's channel.
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscriptions[subscriptionID]; ok {
		close(sub.channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts event to every matching subscriber, dropping it for
// any subscriber whose channel is full rather than blocking.
func (p *EventPublisher) Publish(event *Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subscriptions {
		if sub.transferFilter != "" && sub.transferFilter != event.TransferID {
			continue
		}
		select {
		case sub.channel <- event:
		default:
		}
	}
}

// PublishStarted announces a transfer entering TRANSFERRING.
func (p *EventPublisher) PublishStarted(transferID string, totalBytes uint64, itemCount int) {
	p.Publish(&Event{
		TransferID: transferID,
		Type:       EventStarted,
		Timestamp:  time.Now(),
		Message:    "transfer started",
		Metadata: map[string]string{
			"total_bytes": uintToString(totalBytes),
			"item_count":  intToString(itemCount),
		},
	})
}

// PublishProgress announces incremental byte progress.
func (p *EventPublisher) PublishProgress(transferID string, progress model.Progress) {
	percent := 0.0
	if progress.TotalBytes > 0 {
		percent = float64(progress.BytesTransferred) / float64(progress.TotalBytes) * 100.0
	}
	p.Publish(&Event{
		TransferID:      transferID,
		Type:            EventProgress,
		Timestamp:       time.Now(),
		ProgressPercent: percent,
		Message:         "transfer progress",
	})
}

// PublishCompleted announces terminal success.
func (p *EventPublisher) PublishCompleted(transferID string, totalBytes uint64) {
	p.Publish(&Event{
		TransferID:      transferID,
		Type:            EventCompleted,
		Timestamp:       time.Now(),
		ProgressPercent: 100,
		Message:         "transfer completed",
		Metadata:        map[string]string{"total_bytes": uintToString(totalBytes)},
	})
}

// PublishFailed announces terminal failure.
func (p *EventPublisher) PublishFailed(transferID, reason string) {
	p.Publish(&Event{
		TransferID: transferID,
		Type:       EventFailed,
		Timestamp:  time.Now(),
		Message:    reason,
	})
}

// PublishCancelled announces a cooperative cancellation.
func (p *EventPublisher) PublishCancelled(transferID string) {
	p.Publish(&Event{
		TransferID: transferID,
		Type:       EventCancelled,
		Timestamp:  time.Now(),
		Message:    "transfer cancelled",
	})
}

// PublishApprovalRequested announces a new PendingTransferRequest.
func (p *EventPublisher) PublishApprovalRequested(requestID string) {
	p.Publish(&Event{
		TransferID: requestID,
		Type:       EventApprovalRequested,
		Timestamp:  time.Now(),
		Message:    "approval requested",
	})
}

// SubscriptionCount reports how many listeners are currently attached.
func (p *EventPublisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

func uintToString(v uint64) string { return strconv.FormatUint(v, 10) }

func intToString(v int) string { return strconv.Itoa(v) }
