// Package event provides event definitions and an event bus for observing
// deduction calls and their lock lifecycle.
package event

import (
	"time"
)

// EventType 事件类型
type EventType string

const (
	// Deduction lifecycle events
	EventDeductionStarted    EventType = "deduction.started"
	EventDeductionCompleted  EventType = "deduction.completed"
	EventDeductionFailed     EventType = "deduction.failed"
	EventDeductionSuppressed EventType = "deduction.suppressed"

	// Lock lifecycle events
	EventLockAcquired    EventType = "lock.acquired"
	EventLockFailed      EventType = "lock.failed"
	EventLockInterrupted EventType = "lock.interrupted"
	EventLockReleased    EventType = "lock.released"

	// Lease events
	EventLeaseExtended     EventType = "lease.extended"
	EventLeaseExtendFailed EventType = "lease.extend_failed"
)

// Event 事件
type Event struct {
	Type      EventType      // 事件类型
	Strategy  string         // 策略名称
	ItemIDs   []int64        // 请求的商品ID
	LockKeys  []string       // 锁键名（仅锁相关事件）
	Timestamp time.Time      // 事件时间戳
	Data      map[string]any // 附加数据
	Error     error          // 错误信息（仅失败事件）
}

// NewEvent creates a new event with the given type and automatically sets the timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithStrategy sets the strategy name on the event.
func (e Event) WithStrategy(strategy string) Event {
	e.Strategy = strategy
	return e
}

// WithItemIDs sets the requested item identifiers on the event.
func (e Event) WithItemIDs(ids []int64) Event {
	e.ItemIDs = ids
	return e
}

// WithLockKeys sets the lock names on the event.
func (e Event) WithLockKeys(keys []string) Event {
	e.LockKeys = keys
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
