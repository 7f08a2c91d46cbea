package library

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBookAdded            EventType = "book_added"
	EventBookBorrowed         EventType = "book_borrowed"
	EventBookReturned         EventType = "book_returned"
	EventBookReturnedLate     EventType = "book_returned_late"
	EventBookRenewed          EventType = "book_renewed"
	EventBookNeedsRestoration EventType = "book_needs_restoration"
	EventBookRestored         EventType = "book_restored"
	EventRestorationCompleted EventType = "restoration_completed"
	EventBookLost             EventType = "book_lost"
	EventOperationUndone      EventType = "operation_undone"
)

// Event is published to subscribers after the change it describes has been committed.
type Event struct {
	ID       uuid.UUID
	Type     EventType
	At       time.Time
	BookID   int64
	UserID   int64
	RecordID int64
	// Detail carries type-specific values such as "late_fee" or "condition".
	Detail map[string]string
}

func newEvent(typ EventType, at time.Time, bookID, userID, recordID int64) Event {
	return Event{ID: uuid.New(), Type: typ, At: at, BookID: bookID, UserID: userID, RecordID: recordID}
}

func (e Event) with(key, value string) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string, 1)
	}
	e.Detail[key] = value
	return e
}

// Subscriber is called synchronously, in subscription order, for every event.
type Subscriber func(Event)

type notifier struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

func (n *notifier) subscribe(fn Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}

func (n *notifier) publish(events ...Event) {
	n.mu.RLock()
	subs := n.subscribers
	n.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
