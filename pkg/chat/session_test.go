package chat

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anuraghashagile/stangersintown/pkg/store"
)

// fakeWire is an in-memory wire for exercising the protocol without a
// libp2p host.
type fakeWire struct {
	mu      sync.Mutex
	sent    []Envelope
	inbound chan Envelope
	closed  bool
}

func newFakeWire() *fakeWire {
	return &fakeWire{inbound: make(chan Envelope, 16)}
}

func (w *fakeWire) send(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env)
	return nil
}

func (w *fakeWire) next() (Envelope, error) {
	env, ok := <-w.inbound
	if !ok {
		return Envelope{}, io.EOF
	}
	return env, nil
}

func (w *fakeWire) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWire) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWire) sentEnvelopes() []Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Envelope, len(w.sent))
	copy(out, w.sent)
	return out
}

// statusRecorder captures presence status publishes.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) SetStatus(status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

const testSelfID = "self-peer"

func newTestSession(t *testing.T) (*Session, *statusRecorder) {
	t.Helper()
	persist := NewPersist(store.NewMemStore())
	recorder := &statusRecorder{}
	registry := NewConnRegistry()
	session := newSession(context.Background(), testSelfID, Profile{Username: "alice"}, recorder, registry, nil, persist)
	session.friends = newFriendshipManager(persist, session.Profile)
	return session, recorder
}

func newTestConn(kind ConnKind, peerID string) (*Conn, *fakeWire) {
	w := newFakeWire()
	return newConn(kind, peerID, w), w
}

func TestMainOpenSeedsGreeting(t *testing.T) {
	session, recorder := newTestSession(t)
	conn, wire := newTestConn(KindMain, "stranger-1")

	session.handleOpened(conn)

	require.Equal(t, StateConnected, session.State())
	require.Equal(t, StatusBusy, recorder.last())

	history := session.History()
	require.Len(t, history, 1)
	require.Equal(t, SenderSystem, history[0].Sender)
	require.Equal(t, greetingText, history[0].Text)

	// Our profile goes out as the first envelope.
	sent := wire.sentEnvelopes()
	require.Len(t, sent, 1)
	require.Equal(t, EnvProfile, sent[0].Type)
}

func TestMainRaceLoserIsClosed(t *testing.T) {
	session, _ := newTestSession(t)
	winner, _ := newTestConn(KindMain, "stranger-1")
	loser, loserWire := newTestConn(KindMain, "stranger-2")

	session.handleOpened(winner)
	session.handleOpened(loser)

	require.Equal(t, winner, session.registry.Main())
	require.True(t, loserWire.isClosed())
}

func TestInboundMessageAppendsAndAcks(t *testing.T) {
	session, _ := newTestSession(t)
	conn, wire := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	env := newEnvelope(EnvMessage, "hi")
	env.DataType = TypeText
	env.ID = "m1"
	session.handleEnvelope(conn, env)

	history := session.History()
	require.Len(t, history, 2)
	msg := history[1]
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, SenderStranger, msg.Sender)
	require.Equal(t, "hi", msg.Text)
	require.Equal(t, StatusSent, msg.Status)

	sent := wire.sentEnvelopes()
	last := sent[len(sent)-1]
	require.Equal(t, EnvSeen, last.Type)
	require.Equal(t, "m1", last.MessageID)
}

func TestSeenIsIdempotent(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	msg, err := session.SendText("hello")
	require.NoError(t, err)

	seen := Envelope{Type: EnvSeen, MessageID: msg.ID}
	session.handleEnvelope(conn, seen)
	session.handleEnvelope(conn, seen)

	history := session.History()
	require.Equal(t, StatusSeen, history[len(history)-1].Status)

	// Unknown ids are silently ignored.
	session.handleEnvelope(conn, Envelope{Type: EnvSeen, MessageID: "no-such-id"})
}

func TestReactionIsIdempotent(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	msg, err := session.SendText("react to me")
	require.NoError(t, err)

	react := newEnvelope(EnvReaction, reactionBody{Emoji: "🔥"})
	react.MessageID = msg.ID
	session.handleEnvelope(conn, react)
	session.handleEnvelope(conn, react)

	history := session.History()
	target := history[len(history)-1]
	require.Len(t, target.Reactions, 1)
	require.Equal(t, "🔥", target.Reactions[0].Emoji)
	require.Equal(t, SenderStranger, target.Reactions[0].Sender)

	// A reaction to an absent message is a no-op.
	stray := newEnvelope(EnvReaction, reactionBody{Emoji: "👀"})
	stray.MessageID = "missing"
	session.handleEnvelope(conn, stray)
}

func TestEditTargetsStrangerText(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	inbound := newEnvelope(EnvMessage, "typo")
	inbound.DataType = TypeText
	inbound.ID = "m1"
	session.handleEnvelope(conn, inbound)

	edit := newEnvelope(EnvEditMessage, "fixed")
	edit.MessageID = "m1"
	session.handleEnvelope(conn, edit)

	history := session.History()
	msg := history[len(history)-1]
	require.Equal(t, "fixed", msg.Text)
	require.True(t, msg.IsEdited)

	// An edit without a matching id falls back to the most recent
	// stranger text message.
	edit2 := newEnvelope(EnvEditMessage, "fixed again")
	edit2.MessageID = "unknown"
	session.handleEnvelope(conn, edit2)
	history = session.History()
	require.Equal(t, "fixed again", history[len(history)-1].Text)
}

func TestProfilePatchesGreetingAndRecents(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.handleEnvelope(conn, newEnvelope(EnvProfile, Profile{Username: "bob"}))

	partner, ok := session.Partner()
	require.True(t, ok)
	require.Equal(t, "bob", partner.Username)

	history := session.History()
	require.Contains(t, history[0].Text, "bob")

	recents := session.persist.RecentPeers()
	require.Len(t, recents, 1)
	require.Equal(t, "stranger-1", recents[0].PeerID)
}

func TestPeerDisconnectClearsSession(t *testing.T) {
	session, recorder := newTestSession(t)
	conn, wire := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.handleEnvelope(conn, Envelope{Type: EnvDisconnect})

	require.Equal(t, StateDisconnected, session.State())
	require.Empty(t, session.History())
	require.Nil(t, session.registry.Main())
	require.True(t, wire.isClosed())
	require.Equal(t, StatusIdle, recorder.last())

	// A new search is allowed from the terminal state.
	require.NoError(t, session.Search())
	require.Equal(t, StateWaiting, session.State())
}

func TestTransportLossIsPeerDisconnect(t *testing.T) {
	session, recorder := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.handleClosed(conn)

	require.Equal(t, StateDisconnected, session.State())
	require.Empty(t, session.History())
	require.Equal(t, StatusIdle, recorder.last())
}

func TestVanishFlagsOutbound(t *testing.T) {
	session, _ := newTestSession(t)
	conn, wire := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.SetVanish(true)
	msg, err := session.SendText("gone soon")
	require.NoError(t, err)
	require.True(t, msg.IsVanish)

	// The partner is told about the mode change.
	var sawVanish bool
	for _, env := range wire.sentEnvelopes() {
		if env.Type == EnvVanishMode {
			sawVanish = true
		}
	}
	require.True(t, sawVanish)
}

func TestRemoteVanishFlagsInbound(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.handleEnvelope(conn, newEnvelope(EnvVanishMode, true))

	env := newEnvelope(EnvMessage, "ephemeral")
	env.DataType = TypeText
	env.ID = "m1"
	session.handleEnvelope(conn, env)

	history := session.History()
	require.True(t, history[len(history)-1].IsVanish)
}

func TestDirectMessagePersistsAndSurfaces(t *testing.T) {
	session, _ := newTestSession(t)
	conn, wire := newTestConn(KindDirect, "friend-1")
	session.handleOpened(conn)

	active, ok := session.persist.ActiveDirect()
	require.True(t, ok)
	require.Equal(t, "friend-1", active)

	var surfaced []Message
	session.OnDirectMessage = func(peerID string, msg Message) {
		require.Equal(t, "friend-1", peerID)
		surfaced = append(surfaced, msg)
	}

	env := newEnvelope(EnvMessage, "yo")
	env.DataType = TypeText
	env.ID = "d1"
	session.handleEnvelope(conn, env)

	require.Len(t, surfaced, 1)
	require.Equal(t, "yo", surfaced[0].Text)

	persisted := session.persist.History("friend-1")
	require.Len(t, persisted, 1)
	require.Equal(t, "d1", persisted[0].ID)

	sent := wire.sentEnvelopes()
	require.Equal(t, EnvSeen, sent[len(sent)-1].Type)

	// Outbound direct messages land in the same transcript.
	_, err := session.SendDirectText("friend-1", "back at you")
	require.NoError(t, err)
	require.Len(t, session.persist.History("friend-1"), 2)
}

func TestDirectDisconnectRemovesConn(t *testing.T) {
	session, _ := newTestSession(t)
	conn, wire := newTestConn(KindDirect, "friend-1")
	session.handleOpened(conn)

	session.handleEnvelope(conn, Envelope{Type: EnvDisconnect})

	_, ok := session.registry.LookupDirect("friend-1")
	require.False(t, ok)
	require.True(t, wire.isClosed())

	// The active-direct pointer does not outlive the connection.
	_, ok = session.persist.ActiveDirect()
	require.False(t, ok)
}

func TestDirectTransportLossClearsActivePointer(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := newTestConn(KindDirect, "friend-1")
	session.handleOpened(conn)

	other, _ := newTestConn(KindDirect, "friend-2")
	session.handleOpened(other)

	// friend-1's close must not clear a pointer that moved on to
	// friend-2.
	session.handleClosed(conn)
	active, ok := session.persist.ActiveDirect()
	require.True(t, ok)
	require.Equal(t, "friend-2", active)

	session.handleClosed(other)
	_, ok = session.persist.ActiveDirect()
	require.False(t, ok)
}

func TestSearchLifecycle(t *testing.T) {
	session, recorder := newTestSession(t)

	require.NoError(t, session.Search())
	require.Equal(t, StateWaiting, session.State())
	require.Equal(t, StatusWaiting, recorder.last())

	// Searching again is a no-op.
	require.NoError(t, session.Search())

	session.StopSearch()
	require.Equal(t, StateIdle, session.State())
	require.Equal(t, StatusIdle, recorder.last())
}

// indicatorRecorder captures OnIndicator callbacks, which fire from
// both the handler path and timer goroutines.
type indicatorRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *indicatorRecorder) record(kind EnvType, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, active)
}

func (r *indicatorRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	copy(out, r.events)
	return out
}

func TestTypingIndicatorAutoExpires(t *testing.T) {
	session, _ := newTestSession(t)
	session.typingExpiry = 40 * time.Millisecond
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	recorder := &indicatorRecorder{}
	session.OnIndicator = recorder.record

	// The explicit stop never arrives; the expiry clears it.
	session.handleEnvelope(conn, newEnvelope(EnvTyping, true))
	require.Equal(t, []bool{true}, recorder.snapshot())

	require.Eventually(t, func() bool {
		events := recorder.snapshot()
		return len(events) == 2 && !events[1]
	}, time.Second, 10*time.Millisecond)
}

func TestInboundMessageClearsIndicator(t *testing.T) {
	session, _ := newTestSession(t)
	session.typingExpiry = 60 * time.Millisecond
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	recorder := &indicatorRecorder{}
	session.OnIndicator = recorder.record

	session.handleEnvelope(conn, newEnvelope(EnvTyping, true))

	env := newEnvelope(EnvMessage, "done typing")
	env.DataType = TypeText
	env.ID = "m1"
	session.handleEnvelope(conn, env)

	// The message itself clears the indicator, without waiting for the
	// expiry timer.
	require.Equal(t, []bool{true, false}, recorder.snapshot())

	// And the armed timer was stopped, so it does not fire again.
	time.Sleep(3 * session.typingExpiry)
	require.Equal(t, []bool{true, false}, recorder.snapshot())
}

func TestVanishMessagePurgedAfterDelay(t *testing.T) {
	session, _ := newTestSession(t)
	session.vanishDelay = 40 * time.Millisecond
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.SetVanish(true)
	msg, err := session.SendText("going, going")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range session.History() {
			if m.ID == msg.ID {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	// The greeting survives; only the vanish message is purged.
	require.NotEmpty(t, session.History())
}

func TestRemoteVanishMessagePurgedAfterDelay(t *testing.T) {
	session, _ := newTestSession(t)
	session.vanishDelay = 40 * time.Millisecond
	conn, _ := newTestConn(KindMain, "stranger-1")
	session.handleOpened(conn)

	session.handleEnvelope(conn, newEnvelope(EnvVanishMode, true))

	env := newEnvelope(EnvMessage, "ephemeral")
	env.DataType = TypeText
	env.ID = "m1"
	session.handleEnvelope(conn, env)

	require.Eventually(t, func() bool {
		for _, m := range session.History() {
			if m.ID == "m1" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestEnqueueOpenWaitRegistersBeforeReturn(t *testing.T) {
	session, _ := newTestSession(t)
	go session.run()

	conn, _ := newTestConn(KindDirect, "friend-1")
	session.enqueueOpenWait(conn)

	got, ok := session.registry.LookupDirect("friend-1")
	require.True(t, ok)
	require.Equal(t, conn, got)
}

func TestSendRequiresConnection(t *testing.T) {
	session, _ := newTestSession(t)

	_, err := session.SendText("nobody there")
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = session.SendDirectText("ghost", "hello?")
	require.ErrorIs(t, err, ErrNotConnected)
}
