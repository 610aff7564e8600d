package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the main-session lifecycle.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateWaiting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyConnected = errors.New("a main session is already active")
	ErrNotConnected     = errors.New("no active connection for peer")
	ErrNoPendingRequest = errors.New("no pending friend request from peer")
	ErrIdentityTaken    = errors.New("identity already claimed by a live attachment")
)

type eventKind int

const (
	evOpened eventKind = iota
	evData
	evClosed
	evErrored
)

// connEvent is one tagged transport occurrence. All connection
// lifecycle and data callbacks are funneled through the session's
// single event queue, so every mutation happens on one consumer.
type connEvent struct {
	kind eventKind
	conn *Conn
	env  Envelope
	err  error

	// done, when set, is closed after the event is processed.
	done chan struct{}
}

// statusPublisher is the slice of the presence registry the session
// needs; tests substitute a recorder.
type statusPublisher interface {
	SetStatus(Status) error
}

// Session owns the main one-to-one conversation plus the protocol-level
// handling of direct conversations.
type Session struct {
	selfID   string
	presence statusPublisher
	registry *ConnRegistry
	friends  *FriendshipManager
	persist  *Persist
	ctx      context.Context

	events     chan connEvent
	matchmaker *Matchmaker

	// Timer durations, package constants in production; tests shorten
	// them to exercise the expiry paths.
	typingExpiry time.Duration
	vanishDelay  time.Duration

	mu               sync.Mutex
	state            State
	profile          Profile
	history          []*Message
	partner          *Profile
	partnerTyping    bool
	partnerRecording bool
	vanish           bool
	remoteVanish     bool
	typingTimer      *time.Timer
	recordingTimer   *time.Timer

	// Optional consumer callbacks, invoked from the event loop.
	OnStateChange   func(State)
	OnMessage       func(Message)
	OnIndicator     func(kind EnvType, active bool)
	OnDirectMessage func(peerID string, msg Message)
	OnDirectEvent   func(peerID string, env Envelope)
}

func newSession(ctx context.Context, selfID string, profile Profile, presence statusPublisher, registry *ConnRegistry, friends *FriendshipManager, persist *Persist) *Session {
	return &Session{
		ctx:          ctx,
		selfID:       selfID,
		profile:      profile,
		presence:     presence,
		registry:     registry,
		friends:      friends,
		persist:      persist,
		events:       make(chan connEvent, 64),
		typingExpiry: typingExpiry,
		vanishDelay:  vanishDelay,
	}
}

// run drains the event queue until the node shuts down.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev connEvent) {
	switch ev.kind {
	case evOpened:
		s.handleOpened(ev.conn)
	case evData:
		s.handleEnvelope(ev.conn, ev.env)
	case evClosed, evErrored:
		if ev.err != nil {
			log.Printf("connection to %s errored: %v", shortID(ev.conn.Peer), ev.err)
		}
		s.handleClosed(ev.conn)
	}
	if ev.done != nil {
		close(ev.done)
	}
}

// enqueueOpen hands a freshly opened connection to the event loop and
// starts its reader. Ordering through the queue guarantees the open is
// processed before any of the connection's data.
func (s *Session) enqueueOpen(conn *Conn) {
	s.events <- connEvent{kind: evOpened, conn: conn}
	go conn.readLoop(s.events)
}

// enqueueOpenWait is enqueueOpen but returns only after the open event
// has been processed, so the caller can rely on the connection being
// registered.
func (s *Session) enqueueOpenWait(conn *Conn) {
	done := make(chan struct{})
	s.events <- connEvent{kind: evOpened, conn: conn, done: done}
	go conn.readLoop(s.events)
	<-done
}

func (s *Session) handleOpened(conn *Conn) {
	switch conn.Kind {
	case KindMain:
		if !s.registry.RecordMain(conn) {
			// Lost the simultaneous-dial race; the recorded side wins.
			conn.Close()
			return
		}
		s.mu.Lock()
		s.setStateLocked(StateConnected)
		s.history = []*Message{{
			ID:        newMessageID(s.selfID),
			Sender:    SenderSystem,
			Timestamp: nowMillis(),
			Type:      TypeText,
			Text:      greetingText,
			Status:    StatusSent,
		}}
		profile := s.profile
		s.mu.Unlock()

		if err := s.presence.SetStatus(StatusBusy); err != nil {
			log.Printf("failed to publish busy status: %v", err)
		}
		s.sendBestEffort(conn, newEnvelope(EnvProfile, profile))

	case KindDirect:
		s.registry.RecordDirect(conn.Peer, conn)
		s.persist.SetActiveDirect(conn.Peer)
		s.mu.Lock()
		profile := s.profile
		s.mu.Unlock()
		s.sendBestEffort(conn, newEnvelope(EnvProfile, profile))
	}
}

func (s *Session) handleClosed(conn *Conn) {
	if s.registry.Main() == conn {
		// Mid-session transport loss is treated as a peer disconnect.
		s.teardownMain(false)
		return
	}
	s.registry.Remove(conn)
	conn.Close()
	if conn.Kind == KindDirect {
		s.clearActiveDirect(conn.Peer)
	}
}

// clearActiveDirect drops the active-direct pointer if it still names
// the departed peer.
func (s *Session) clearActiveDirect(peerID string) {
	if active, ok := s.persist.ActiveDirect(); ok && active == peerID {
		s.persist.ClearActiveDirect()
	}
}

// Search declares intent to find a stranger. The session holds
// SEARCHING until the waiting status is published, then WAITING.
func (s *Session) Search() error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case StateSearching, StateWaiting:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateSearching)
	s.mu.Unlock()

	if err := s.presence.SetStatus(StatusWaiting); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateSearching {
		s.setStateLocked(StateWaiting)
	}
	s.mu.Unlock()
	return nil
}

// StopSearch abandons matchmaking and returns to idle.
func (s *Session) StopSearch() {
	s.mu.Lock()
	if s.state != StateSearching && s.state != StateWaiting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if s.matchmaker != nil {
		s.matchmaker.Cancel()
	}
	if err := s.presence.SetStatus(StatusIdle); err != nil {
		log.Printf("failed to publish idle status: %v", err)
	}
}

// Disconnect ends the main session from our side: best-effort
// disconnect envelope, grace delay, then teardown.
func (s *Session) Disconnect() {
	s.teardownMain(true)
}

func (s *Session) teardownMain(notifyPeer bool) {
	if s.matchmaker != nil {
		s.matchmaker.Cancel()
	}

	conn := s.registry.Main()
	if conn != nil {
		if notifyPeer {
			s.sendBestEffort(conn, newEnvelope(EnvDisconnect, nil))
			time.AfterFunc(disconnectGrace, func() { conn.Close() })
		} else {
			conn.Close()
		}
		s.registry.ClearMain()
	}

	s.mu.Lock()
	s.history = nil
	s.partner = nil
	s.partnerTyping = false
	s.partnerRecording = false
	s.remoteVanish = false
	s.stopIndicatorTimersLocked()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if err := s.presence.SetStatus(StatusIdle); err != nil {
		log.Printf("failed to publish idle status: %v", err)
	}
}

// SendText sends a text message on the main connection and appends it
// to local history.
func (s *Session) SendText(text string) (Message, error) {
	return s.sendMain(TypeText, text, "")
}

// SendMedia sends an image or audio message with an opaque encoded
// payload.
func (s *Session) SendMedia(mtype MessageType, fileData string) (Message, error) {
	return s.sendMain(mtype, "", fileData)
}

func (s *Session) sendMain(mtype MessageType, text, fileData string) (Message, error) {
	conn := s.registry.Main()
	if conn == nil {
		return Message{}, ErrNotConnected
	}

	s.mu.Lock()
	msg := &Message{
		ID:        newMessageID(s.selfID),
		Sender:    SenderMe,
		Timestamp: nowMillis(),
		Type:      mtype,
		Text:      text,
		FileData:  fileData,
		Status:    StatusSent,
		IsVanish:  s.vanish,
	}
	s.history = append(s.history, msg)
	s.mu.Unlock()

	if msg.IsVanish {
		s.scheduleVanish(msg.ID)
	}

	env := newEnvelope(EnvMessage, wirePayload(msg))
	env.DataType = mtype
	env.ID = msg.ID
	if err := conn.Send(env); err != nil {
		return *msg, err
	}
	return *msg, nil
}

// wirePayload picks the transported body: text for text messages,
// encoded file data otherwise.
func wirePayload(msg *Message) string {
	if msg.Type == TypeText {
		return msg.Text
	}
	return msg.FileData
}

// SendTyping and SendRecording publish transient indicators.
func (s *Session) SendTyping(active bool) {
	s.sendIndicator(EnvTyping, active)
}

func (s *Session) SendRecording(active bool) {
	s.sendIndicator(EnvRecording, active)
}

func (s *Session) sendIndicator(kind EnvType, active bool) {
	if conn := s.registry.Main(); conn != nil {
		s.sendBestEffort(conn, newEnvelope(kind, active))
	}
}

// SetVanish toggles local vanish mode and mirrors it to the partner.
func (s *Session) SetVanish(enabled bool) {
	s.mu.Lock()
	s.vanish = enabled
	s.mu.Unlock()
	if conn := s.registry.Main(); conn != nil {
		s.sendBestEffort(conn, newEnvelope(EnvVanishMode, enabled))
	}
}

// SendReaction appends our reaction locally and notifies the partner.
func (s *Session) SendReaction(messageID, emoji string) error {
	conn := s.registry.Main()
	if conn == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	if msg := s.findMessageLocked(messageID); msg != nil {
		msg.AddReaction(Reaction{Emoji: emoji, Sender: SenderMe})
	}
	s.mu.Unlock()

	env := newEnvelope(EnvReaction, reactionBody{Emoji: emoji})
	env.MessageID = messageID
	return conn.Send(env)
}

// EditMessage rewrites one of our own text messages and notifies the
// partner.
func (s *Session) EditMessage(messageID, text string) error {
	conn := s.registry.Main()
	if conn == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	msg := s.findMessageLocked(messageID)
	if msg == nil || msg.Sender != SenderMe || msg.Type != TypeText {
		s.mu.Unlock()
		return errors.New("no editable message with that id")
	}
	msg.Text = text
	msg.IsEdited = true
	s.mu.Unlock()

	env := newEnvelope(EnvEditMessage, text)
	env.MessageID = messageID
	return conn.Send(env)
}

// SendDirectText sends a message over an existing direct connection and
// appends it to that peer's persisted history.
func (s *Session) SendDirectText(peerID, text string) (Message, error) {
	conn, ok := s.registry.LookupDirect(peerID)
	if !ok {
		return Message{}, ErrNotConnected
	}

	msg := Message{
		ID:        newMessageID(s.selfID),
		Sender:    SenderMe,
		Timestamp: nowMillis(),
		Type:      TypeText,
		Text:      text,
		Status:    StatusSent,
	}
	s.persist.AppendHistory(peerID, msg)

	env := newEnvelope(EnvMessage, text)
	env.DataType = TypeText
	env.ID = msg.ID
	if err := conn.Send(env); err != nil {
		return msg, err
	}
	return msg, nil
}

// connFor resolves whichever connection currently links us to a peer,
// preferring the main session.
func (s *Session) connFor(peerID string) (*Conn, bool) {
	if main := s.registry.Main(); main != nil && main.Peer == peerID {
		return main, true
	}
	return s.registry.LookupDirect(peerID)
}

// RequestFriend starts the handshake by sending our profile to a peer
// we are currently linked to. Fire-and-forget; a rejection is never
// signaled back.
func (s *Session) RequestFriend(peerID string) error {
	conn, ok := s.connFor(peerID)
	if !ok {
		return ErrNotConnected
	}
	return conn.Send(newEnvelope(EnvFriendRequest, s.Profile()))
}

// AcceptFriend completes a pending inbound request over the live
// connection to that peer.
func (s *Session) AcceptFriend(peerID string) error {
	conn, ok := s.connFor(peerID)
	if !ok {
		return ErrNotConnected
	}
	return s.friends.Accept(peerID, conn.Send)
}

// PartnerID returns the main-session peer, if connected.
func (s *Session) PartnerID() (string, bool) {
	if main := s.registry.Main(); main != nil {
		return main.Peer, true
	}
	return "", false
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSearching || s.state == StateWaiting
}

// Partner returns the stranger's profile once their profile envelope
// arrived.
func (s *Session) Partner() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partner == nil {
		return Profile{}, false
	}
	return *s.partner, true
}

// History returns a copy of the main-session transcript.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.history))
	for _, msg := range s.history {
		out = append(out, *msg)
	}
	return out
}

// Profile returns the local profile.
func (s *Session) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// SetProfile swaps the local profile. The caller re-broadcasts presence
// separately; live connections learn about it on their next profile
// envelope.
func (s *Session) SetProfile(profile Profile) {
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.OnStateChange != nil {
		go s.OnStateChange(state)
	}
}

func (s *Session) findMessageLocked(id string) *Message {
	for _, msg := range s.history {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// scheduleVanish purges a vanish-mode message from history after the
// fixed delay.
func (s *Session) scheduleVanish(id string) {
	time.AfterFunc(s.vanishDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, msg := range s.history {
			if msg.ID == id {
				s.history = append(s.history[:i], s.history[i+1:]...)
				return
			}
		}
	})
}

func (s *Session) stopIndicatorTimersLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.recordingTimer != nil {
		s.recordingTimer.Stop()
		s.recordingTimer = nil
	}
}

func (s *Session) sendBestEffort(conn *Conn, env Envelope) {
	if err := conn.Send(env); err != nil {
		log.Printf("failed to send %s to %s: %v", env.Type, shortID(conn.Peer), err)
	}
}
