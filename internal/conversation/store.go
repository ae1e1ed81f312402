// Package conversation keeps the client's conversation list and message
// history in sync with the messaging service. Local sends are applied
// optimistically and reconciled with message_ack / message_error; inbound
// messages and read receipts maintain the unread counter incrementally.
package conversation

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/presence-sync/internal/metrics"
	"github.com/whisper/presence-sync/internal/protocol"
	"github.com/whisper/presence-sync/internal/ratelimit"
	"github.com/whisper/presence-sync/internal/timer"
)

// Delivery is the outbound state of a message.
type Delivery int

const (
	Pending Delivery = iota
	Sent
	Failed
)

func (d Delivery) String() string {
	switch d {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("delivery(%d)", int(d))
	}
}

// Failure reasons recorded on Failed messages.
const (
	ReasonAckTimeout   = "ack timeout"
	ReasonNotConnected = "not connected"
	ReasonRemoved      = "conversation removed"
)

var (
	// ErrUnknownConversation is returned for operations on a missing
	// conversation.
	ErrUnknownConversation = errors.New("conversation: unknown conversation")

	// ErrNotRetryable is returned by Retry for messages that are not Failed.
	ErrNotRetryable = errors.New("conversation: message is not failed")
)

// Participant is the other side of a conversation.
type Participant struct {
	UserID   string
	Name     string
	PhotoURL string
}

// Message is one chat message as the client sees it.
type Message struct {
	ID              string // server ID, empty until acked
	ClientID        string // local correlation ID for own messages
	ConversationID  string
	SenderID        string
	Payload         string
	SentAt          time.Time
	Delivery        Delivery
	ReadByLocalUser bool
	FailureReason   string
}

// Conversation is one match with its message history.
type Conversation struct {
	ID                 string
	Participant        Participant
	Messages           []Message
	LastMessagePreview string
	LastActivityAt     time.Time
	Unread             bool
	PartnerTyping      bool

	touched uint64 // tie-break for equal LastActivityAt, newest first
}

// Emitter sends an outbound event. connection.Manager implements it.
type Emitter interface {
	Emit(name string, payload interface{}) error
}

// Config holds tunable parameters for the store.
type Config struct {
	AckTimeout    time.Duration // Pending -> Failed when no ack arrives
	TypingTTL     time.Duration // partner typing indicator expiry
	PreviewLength int           // max runes in LastMessagePreview
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    15 * time.Second,
		TypingTTL:     6 * time.Second,
		PreviewLength: 80,
	}
}

type pendingSend struct {
	convID  string
	receipt *Receipt
	timer   *timer.Timer
	sentAt  time.Time
}

// Store is the conversation list. Every mutation, including the unread
// counter, happens in one critical section.
type Store struct {
	cfg    Config
	emit   Emitter
	sched  *timer.Scheduler
	typing *ratelimit.Limiter

	mu      sync.Mutex
	selfID  string
	convs   map[string]*Conversation
	pending map[string]*pendingSend // by ClientID
	typers  map[string]*timer.Timer // partner typing expiry by conversation
	removed map[string]bool         // unmatched conversations, until a new match
	unread  int
	seq     uint64
}

// NewStore creates an empty Store. typing may be nil to disable the
// typing_start throttle.
func NewStore(cfg Config, emit Emitter, sched *timer.Scheduler, typing *ratelimit.Limiter) *Store {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 6 * time.Second
	}
	return &Store{
		cfg:     cfg,
		emit:    emit,
		sched:   sched,
		typing:  typing,
		convs:   make(map[string]*Conversation),
		pending: make(map[string]*pendingSend),
		typers:  make(map[string]*timer.Timer),
		removed: make(map[string]bool),
	}
}

// Reset clears all state and sets the local user. Outstanding receipts are
// resolved as failed.
func (s *Store) Reset(selfID string) {
	s.FailPending("session changed")

	s.mu.Lock()
	for _, t := range s.typers {
		t.Stop()
	}
	s.selfID = selfID
	s.convs = make(map[string]*Conversation)
	s.pending = make(map[string]*pendingSend)
	s.typers = make(map[string]*timer.Timer)
	s.removed = make(map[string]bool)
	s.unread = 0
	s.mu.Unlock()

	if s.typing != nil {
		s.typing.Reset()
	}
	metrics.UnreadConversations.Set(0)
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send appends a Pending message authored by the local user, moves the
// conversation to the head of the list and emits send_message. Unknown
// conversations are created, except unmatched ones which return
// ErrUnknownConversation. If the emit fails the message is marked Failed
// right away and a *SendError is returned alongside the resolved receipt.
func (s *Store) Send(conversationID, payload string) (*Receipt, error) {
	if conversationID == "" {
		return nil, ErrUnknownConversation
	}
	if err := ValidateMessage(payload); err != nil {
		return nil, err
	}

	clientID := uuid.NewString()

	s.mu.Lock()
	if s.removed[conversationID] {
		s.mu.Unlock()
		return nil, ErrUnknownConversation
	}
	now := s.sched.Now()
	c := s.getOrCreateLocked(conversationID)
	c.Messages = append(c.Messages, Message{
		ClientID:        clientID,
		ConversationID:  conversationID,
		SenderID:        s.selfID,
		Payload:         payload,
		SentAt:          now,
		Delivery:        Pending,
		ReadByLocalUser: true,
	})
	c.LastMessagePreview = preview(payload, s.cfg.PreviewLength)
	s.bumpLocked(c, now)
	receipt := s.trackLocked(conversationID, clientID, now)
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("pending").Inc()
	return receipt, s.transmit(conversationID, clientID, payload)
}

// Retry re-sends a Failed message with its original ClientID.
func (s *Store) Retry(conversationID, clientID string) (*Receipt, error) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownConversation
	}
	m := findByClientID(c, clientID)
	if m == nil || m.Delivery != Failed {
		s.mu.Unlock()
		return nil, ErrNotRetryable
	}
	now := s.sched.Now()
	m.Delivery = Pending
	m.FailureReason = ""
	payload := m.Payload
	receipt := s.trackLocked(conversationID, clientID, now)
	s.mu.Unlock()

	log.Printf("[conversation] retrying client_id=%s conv=%s", clientID, conversationID)
	return receipt, s.transmit(conversationID, clientID, payload)
}

func (s *Store) transmit(conversationID, clientID, payload string) error {
	err := s.emit.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: conversationID,
		ClientID:       clientID,
		Payload:        payload,
	})
	if err == nil {
		return nil
	}
	if sendErr := s.fail(clientID, ReasonNotConnected, err); sendErr != nil {
		return sendErr
	}
	return err
}

// trackLocked registers the pending send and arms its ack timeout.
func (s *Store) trackLocked(conversationID, clientID string, now time.Time) *Receipt {
	p := &pendingSend{convID: conversationID, receipt: newReceipt(clientID), sentAt: now}
	p.timer = s.sched.After("ack", s.cfg.AckTimeout, func() {
		s.fail(clientID, ReasonAckTimeout, nil)
	})
	s.pending[clientID] = p
	return p.receipt
}

// Ack marks the message Sent with the server's ID and timestamp. It reports
// whether a pending message matched.
func (s *Store) Ack(clientID, messageID string, sentAt time.Time) bool {
	s.mu.Lock()
	p, ok := s.pending[clientID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, clientID)
	p.timer.Stop()

	var msg Message
	if c, ok := s.convs[p.convID]; ok {
		if m := findByClientID(c, clientID); m != nil {
			m.ID = messageID
			if !sentAt.IsZero() {
				m.SentAt = sentAt
			}
			m.Delivery = Sent
			m.FailureReason = ""
			msg = *m
		}
	}
	latency := s.sched.Now().Sub(p.sentAt)
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.AckLatency.Observe(latency.Seconds())
	p.receipt.resolve(msg, nil)
	return true
}

// Reject marks the message Failed with the server's reason.
func (s *Store) Reject(clientID, reason string) bool {
	return s.fail(clientID, reason, nil) != nil
}

// FailPending marks every Pending message Failed and returns how many were
// affected.
func (s *Store) FailPending(reason string) int {
	s.mu.Lock()
	failures := make([]*failure, 0, len(s.pending))
	for id := range s.pending {
		failures = append(failures, s.failLocked(id, reason, nil))
	}
	s.mu.Unlock()

	for _, f := range failures {
		f.settle()
	}
	if n := len(failures); n > 0 {
		log.Printf("[conversation] failed %d pending message(s): %s", n, reason)
	}
	return len(failures)
}

// fail moves a pending message to Failed and resolves its receipt. It
// returns nil if the message was no longer pending.
func (s *Store) fail(clientID, reason string, cause error) *SendError {
	s.mu.Lock()
	f := s.failLocked(clientID, reason, cause)
	s.mu.Unlock()

	return f.settle()
}

// failure is a Failed transition whose receipt is resolved after the lock
// is released.
type failure struct {
	receipt *Receipt
	msg     Message
	err     *SendError
}

func (s *Store) failLocked(clientID, reason string, cause error) *failure {
	p, ok := s.pending[clientID]
	if !ok {
		return nil
	}
	delete(s.pending, clientID)
	p.timer.Stop()

	var msg Message
	if c, ok := s.convs[p.convID]; ok {
		if m := findByClientID(c, clientID); m != nil {
			m.Delivery = Failed
			m.FailureReason = reason
			msg = *m
		}
	}
	return &failure{
		receipt: p.receipt,
		msg:     msg,
		err:     &SendError{ConversationID: p.convID, ClientID: clientID, Reason: reason, Err: cause},
	}
}

func (f *failure) settle() *SendError {
	if f == nil {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("failed").Inc()
	f.receipt.resolve(f.msg, f.err)
	return f.err
}

// Typing emits typing_start or typing_stop. Starts are throttled per
// conversation; a stop always goes out and re-opens the throttle.
func (s *Store) Typing(conversationID string, typing bool) error {
	name := protocol.TypeTypingStop
	if typing {
		if s.typing != nil && !s.typing.Allow(conversationID) {
			return nil
		}
		name = protocol.TypeTypingStart
	} else if s.typing != nil {
		s.typing.Forget(conversationID)
	}
	return s.emit.Emit(name, protocol.TypingMsg{ConversationID: conversationID})
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Receive applies an inbound message. Duplicates (same server ID) are
// ignored and reported as false, as are late messages for an unmatched
// conversation. Messages from the partner mark the conversation unread.
func (s *Store) Receive(in protocol.Message) bool {
	if in.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	if s.removed[in.ConversationID] {
		s.mu.Unlock()
		log.Printf("[conversation] dropping message id=%s for unmatched conv=%s", in.ID, in.ConversationID)
		return false
	}
	c := s.getOrCreateLocked(in.ConversationID)
	if in.ID != "" {
		for i := range c.Messages {
			if c.Messages[i].ID == in.ID {
				s.mu.Unlock()
				return false
			}
		}
	}

	own := in.SenderID != "" && in.SenderID == s.selfID
	if !own && c.Participant.UserID == "" {
		c.Participant.UserID = in.SenderID
	}
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = s.sched.Now()
	}
	c.Messages = append(c.Messages, Message{
		ID:              in.ID,
		ConversationID:  in.ConversationID,
		SenderID:        in.SenderID,
		Payload:         in.Payload,
		SentAt:          sentAt,
		Delivery:        Sent,
		ReadByLocalUser: own,
	})
	c.LastMessagePreview = preview(in.Payload, s.cfg.PreviewLength)
	s.bumpLocked(c, sentAt)
	if !own {
		c.PartnerTyping = false
		s.setUnreadLocked(c, true)
	}
	unread := s.unread
	s.mu.Unlock()

	metrics.UnreadConversations.Set(float64(unread))
	return true
}

// ApplyTyping records the partner's typing indicator. It clears itself
// after TypingTTL if no stop arrives.
func (s *Store) ApplyTyping(ev protocol.ServerTypingMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[ev.ConversationID]
	if !ok || (ev.UserID != "" && ev.UserID == s.selfID) {
		return
	}
	if t, ok := s.typers[ev.ConversationID]; ok {
		t.Stop()
		delete(s.typers, ev.ConversationID)
	}
	c.PartnerTyping = ev.IsTyping
	if !ev.IsTyping {
		return
	}

	id := ev.ConversationID
	s.typers[id] = s.sched.After("typing", s.cfg.TypingTTL, func() {
		s.mu.Lock()
		if c, ok := s.convs[id]; ok {
			c.PartnerTyping = false
		}
		delete(s.typers, id)
		s.mu.Unlock()
	})
}

// MarkRead clears the unread flag and emits mark_read. It is idempotent:
// nothing is emitted unless the conversation was unread.
func (s *Store) MarkRead(conversationID string) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok || !c.Unread {
		s.mu.Unlock()
		return false
	}
	s.setUnreadLocked(c, false)
	for i := range c.Messages {
		c.Messages[i].ReadByLocalUser = true
	}
	unread := s.unread
	s.mu.Unlock()

	metrics.UnreadConversations.Set(float64(unread))
	if err := s.emit.Emit(protocol.TypeMarkRead, protocol.MarkReadMsg{ConversationID: conversationID}); err != nil {
		log.Printf("[conversation] mark_read conv=%s not sent: %v", conversationID, err)
	}
	return true
}

// Insert adds a new conversation (new_match) at the head of the list,
// marked unread. Existing conversations only get their participant
// refreshed.
func (s *Store) Insert(in protocol.Conversation) bool {
	if in.ID == "" {
		return false
	}

	s.mu.Lock()
	delete(s.removed, in.ID)
	if c, ok := s.convs[in.ID]; ok {
		c.Participant = Participant(in.Participant)
		s.mu.Unlock()
		return false
	}
	c := s.getOrCreateLocked(in.ID)
	c.Participant = Participant(in.Participant)
	c.LastMessagePreview = in.LastMessagePreview
	at := s.sched.Now()
	if in.LastActivityAt.After(at) {
		at = in.LastActivityAt
	}
	s.bumpLocked(c, at)
	s.setUnreadLocked(c, true)
	unread := s.unread
	s.mu.Unlock()

	metrics.UnreadConversations.Set(float64(unread))
	return true
}

// Remove deletes a conversation (user_unmatched). Its pending messages fail,
// and it stays gone until Insert sees a new match with the same id.
func (s *Store) Remove(conversationID string) bool {
	if conversationID == "" {
		return false
	}

	s.mu.Lock()
	s.removed[conversationID] = true
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	var failures []*failure
	for id, p := range s.pending {
		if p.convID == conversationID {
			failures = append(failures, s.failLocked(id, ReasonRemoved, nil))
		}
	}
	if c.Unread {
		s.unread--
	}
	if t, ok := s.typers[conversationID]; ok {
		t.Stop()
		delete(s.typers, conversationID)
	}
	delete(s.convs, conversationID)
	unread := s.unread
	s.mu.Unlock()

	for _, f := range failures {
		f.settle()
	}
	metrics.UnreadConversations.Set(float64(unread))
	return true
}

// ---------------------------------------------------------------------------
// Readers
// ---------------------------------------------------------------------------

// List returns copies of all conversations, most recent activity first.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, copyConversation(c))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].touched > out[j].touched
	})
	return out
}

// Get returns a copy of one conversation.
func (s *Store) Get(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(c), true
}

// UnreadCount returns the number of conversations with unread activity.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// PendingCount returns the number of messages awaiting an ack.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Store) getOrCreateLocked(id string) *Conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &Conversation{ID: id}
		s.convs[id] = c
	}
	return c
}

// bumpLocked moves c to the head: LastActivityAt never goes backwards and
// the touch sequence breaks ties.
func (s *Store) bumpLocked(c *Conversation, at time.Time) {
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	s.seq++
	c.touched = s.seq
}

func (s *Store) setUnreadLocked(c *Conversation, unread bool) {
	if c.Unread == unread {
		return
	}
	c.Unread = unread
	if unread {
		s.unread++
	} else {
		s.unread--
	}
}

func findByClientID(c *Conversation, clientID string) *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].ClientID == clientID {
			return &c.Messages[i]
		}
	}
	return nil
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}
