package store

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/protocol"
)

// ErrRoomNotFound is returned when a room ID is unknown.
var ErrRoomNotFound = errors.New("chat room not found")

// Persister receives a snapshot of all rooms after every mutation.
type Persister interface {
	Save(rooms []Room)
	Close() error
}

// Store holds the state of all chat rooms. All mutations are keyed by room
// ID; rooms never interact. Mutations against an unknown room are ignored.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	order []string

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	persister Persister
	log       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRooms seeds the store with rooms instead of DefaultRooms.
func WithRooms(rooms ...Room) Option {
	return func(s *Store) {
		s.rooms = make(map[string]*Room, len(rooms))
		s.order = nil
		for _, r := range rooms {
			s.addRoom(r)
		}
	}
}

// WithPersister sets the persister notified after every mutation.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// New creates a store seeded with DefaultRooms unless WithRooms is given.
func New(opts ...Option) *Store {
	s := &Store{
		rooms:     make(map[string]*Room),
		observers: make(map[int]Observer),
		log:       logging.Store(),
	}
	for _, r := range DefaultRooms() {
		s.addRoom(r)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) addRoom(r Room) {
	if _, ok := s.rooms[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	if r.Status == "" {
		r.Status = StatusIdle
	}
	room := r.clone()
	s.rooms[r.ID] = &room
}

// EnsureRoom creates the room if it does not exist.
func (s *Store) EnsureRoom(id, name string) {
	s.mu.Lock()
	if _, ok := s.rooms[id]; ok {
		s.mu.Unlock()
		return
	}
	s.addRoom(Room{ID: id, Name: name, Status: StatusIdle})
	s.mu.Unlock()
	s.changed(id, ChangeRestored)
}

// HasRoom reports whether the room exists.
func (s *Store) HasRoom(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok
}

// Room returns a copy of the room.
func (s *Store) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.clone(), true
}

// Rooms returns copies of all rooms in creation order.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rooms[id].clone())
	}
	return out
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// update applies fn to the room under the write lock and notifies
// observers. It returns false if the room does not exist.
func (s *Store) update(roomID string, kind ChangeKind, fn func(r *Room)) bool {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("ignoring mutation of unknown room", "room_id", roomID, "change", kind)
		return false
	}
	fn(r)
	s.mu.Unlock()

	s.changed(roomID, kind)
	return true
}

func (s *Store) changed(roomID string, kind ChangeKind) {
	if s.persister != nil {
		s.persister.Save(s.Rooms())
	}

	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.RUnlock()

	c := Change{RoomID: roomID, Kind: kind}
	for _, o := range observers {
		o.OnChange(c)
	}
}

// AddMessage appends a message to the room.
func (s *Store) AddMessage(msg ChatMessage, roomID string) {
	s.update(roomID, ChangeMessages, func(r *Room) {
		r.Messages = append(r.Messages, msg)
	})
}

// SetStatus sets the room's status.
func (s *Store) SetStatus(roomID string, status Status) {
	s.update(roomID, ChangeStatus, func(r *Room) {
		r.Status = status.Normalize()
	})
}

// Status returns the room's status, or "" for an unknown room.
func (s *Store) Status(roomID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Status
	}
	return ""
}

// UpdateStreamingMessage replaces the room's streaming message; nil clears it.
func (s *Store) UpdateStreamingMessage(roomID string, msg *ChatMessage) {
	s.update(roomID, ChangeStreaming, func(r *Room) {
		if msg == nil {
			r.StreamingMessage = nil
			return
		}
		m := *msg
		r.StreamingMessage = &m
	})
}

// SetConfirmationRequest queues a confirmation request.
func (s *Store) SetConfirmationRequest(roomID string, req ConfirmationRequest) {
	s.update(roomID, ChangeConfirmation, func(r *Room) {
		r.ConfirmationRequests = append(r.ConfirmationRequests, req)
	})
}

// RemoveConfirmationRequest drops the confirmation request with the given ID.
func (s *Store) RemoveConfirmationRequest(roomID, requestID string) {
	s.update(roomID, ChangeConfirmation, func(r *Room) {
		kept := r.ConfirmationRequests[:0]
		for _, req := range r.ConfirmationRequests {
			if req.ID != requestID {
				kept = append(kept, req)
			}
		}
		r.ConfirmationRequests = kept
	})
}

// ClearConfirmationRequests empties the confirmation queue.
func (s *Store) ClearConfirmationRequests(roomID string) {
	s.update(roomID, ChangeConfirmation, func(r *Room) {
		r.ConfirmationRequests = []ConfirmationRequest{}
	})
}

// SetUserInputRequest queues user input fields.
func (s *Store) SetUserInputRequest(roomID string, fields []UserInputRequest) {
	s.update(roomID, ChangeUserInput, func(r *Room) {
		r.UserInputRequests = append(r.UserInputRequests, fields...)
	})
}

// ClearUserInputRequests empties the user input queue.
func (s *Store) ClearUserInputRequests(roomID string) {
	s.update(roomID, ChangeUserInput, func(r *Room) {
		r.UserInputRequests = []UserInputRequest{}
	})
}

// SetRetryPrompt publishes a retry prompt.
func (s *Store) SetRetryPrompt(roomID string, p RetryPrompt) {
	s.update(roomID, ChangeRetry, func(r *Room) {
		r.Retry = &p
	})
}

// ClearRetryPrompt removes the retry prompt.
func (s *Store) ClearRetryPrompt(roomID string) {
	s.update(roomID, ChangeRetry, func(r *Room) {
		r.Retry = nil
	})
}

// SetSession records the backend session driving the room.
func (s *Store) SetSession(roomID, sessionID, query string) {
	s.update(roomID, ChangeSession, func(r *Room) {
		r.SessionID = sessionID
		r.CurrentQuery = query
	})
}

// SetReplaying marks the room as rebuilding from an initial_state.
func (s *Store) SetReplaying(roomID string, replaying bool) {
	s.update(roomID, ChangeSession, func(r *Room) {
		r.Replaying = replaying
	})
}

// TrimAfterLastUserMessage drops every message following the last user
// message. A room without user messages is left untouched.
func (s *Store) TrimAfterLastUserMessage(roomID string) {
	s.update(roomID, ChangeMessages, func(r *Room) {
		for i := len(r.Messages) - 1; i >= 0; i-- {
			if r.Messages[i].Role == protocol.RoleUser {
				r.Messages = r.Messages[:i+1]
				return
			}
		}
	})
}

// ResetTransient clears the streaming message and every pending prompt.
// Messages, status and session are kept.
func (s *Store) ResetTransient(roomID string) {
	s.update(roomID, ChangeReset, func(r *Room) {
		r.StreamingMessage = nil
		r.ConfirmationRequests = []ConfirmationRequest{}
		r.UserInputRequests = []UserInputRequest{}
		r.Retry = nil
	})
}

// Restore replaces the state of the given rooms, creating missing ones.
// Restored rooms come back without streaming message or pending prompts,
// and a busy status is turned into closed since no socket is attached.
func (s *Store) Restore(rooms []Room) {
	s.mu.Lock()
	for _, r := range rooms {
		r.StreamingMessage = nil
		r.ConfirmationRequests = nil
		r.UserInputRequests = nil
		r.Retry = nil
		r.Replaying = false
		if r.Status.Busy() {
			r.Status = StatusClosed
		}
		s.addRoom(r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		s.changed(r.ID, ChangeRestored)
	}
}

// Close flushes and releases the persister, if any.
func (s *Store) Close() error {
	if s.persister != nil {
		return s.persister.Close()
	}
	return nil
}
