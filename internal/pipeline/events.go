package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"sfmsweep/internal/sweep"
)

// EventKind enumerates progress notifications.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventCandidateDone EventKind = "candidate_done"
	EventStageDone     EventKind = "stage_done"
	EventRunDone       EventKind = "run_done"
)

// Event is one progress notification of a run.
type Event struct {
	Kind        EventKind    `json:"kind"`
	RunID       string       `json:"run_id"`
	Stage       sweep.Stage  `json:"stage,omitempty"`
	CandidateID int          `json:"candidate_id"`
	Params      sweep.Params `json:"params,omitempty"`
	Status      sweep.Status `json:"status,omitempty"`
	Metric      float64      `json:"metric"`
	Error       string       `json:"error,omitempty"`
	Time        time.Time    `json:"time"`
}

func candidateEvent(runID string, c sweep.Candidate) Event {
	e := Event{
		Kind:        EventCandidateDone,
		RunID:       runID,
		Stage:       c.Stage,
		CandidateID: c.ID,
		Params:      c.Params,
		Status:      c.Status,
		Metric:      c.Metric,
	}
	if c.Err != nil {
		e.Error = c.Err.Error()
	}
	return e
}

// hub fans events out to subscribers without ever blocking a worker.
type hub struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

func newHub(logger *slog.Logger) *hub {
	return &hub{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (h *hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *hub) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Warn("event channel full", "subscriber", id, "run", e.RunID, "kind", e.Kind)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
