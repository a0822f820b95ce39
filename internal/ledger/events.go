// events.go - Notifications emitted after a submission or evaluation commits.

package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"confidentialclaims/internal/fhe"
)

type EventKind string

const (
	EventClaimSubmitted EventKind = "ClaimSubmitted"
	EventClaimEvaluated EventKind = "ClaimEvaluated"
)

// Event carries no plaintext. Principal is the submitter for ClaimSubmitted
// and the caller for ClaimEvaluated.
type Event struct {
	ID        uuid.UUID     `json:"id"`
	Kind      EventKind     `json:"kind"`
	ClaimID   ClaimID       `json:"claim_id"`
	Principal fhe.Principal `json:"principal"`
	At        time.Time     `json:"at"`
}

func newEvent(kind EventKind, id ClaimID, p fhe.Principal) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		ClaimID:   id,
		Principal: p,
		At:        time.Now().UTC(),
	}
}

// EventSink receives committed events in order.
type EventSink interface {
	Emit(Event)
}

// Journal records every event and fans them out to subscribers. Slow
// subscribers miss events rather than block the ledger.
type Journal struct {
	mu     sync.Mutex
	events []Event
	subs   map[int]chan Event
	nextID int
}

func NewJournal() *Journal {
	return &Journal{subs: make(map[int]chan Event)}
}

func (j *Journal) Emit(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Events returns a copy of everything emitted so far.
func (j *Journal) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Event, len(j.events))
	copy(out, j.events)
	return out
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (j *Journal) Subscribe(buffer int) (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextID
	j.nextID++
	ch := make(chan Event, buffer)
	j.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			delete(j.subs, id)
			close(ch)
		})
	}
}
