package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	dialFn func(ctx context.Context, peerID string) (*Conn, error)
}

func (d *fakeDialer) dialMain(ctx context.Context, peerID string) (*Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.dialFn(ctx, peerID)
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitingEntry(peerID string, ts int64) PresenceEntry {
	return PresenceEntry{PeerID: peerID, Status: StatusWaiting, Timestamp: ts}
}

func TestPickTargetEmptySnapshot(t *testing.T) {
	_, ok := pickTarget(nil, testSelfID)
	require.False(t, ok)

	_, ok = pickTarget([]PresenceEntry{}, testSelfID)
	require.False(t, ok)
}

func TestPickTargetSelfOldestHoldsStill(t *testing.T) {
	snapshot := []PresenceEntry{
		waitingEntry(testSelfID, 100),
		waitingEntry("p2", 200),
	}
	_, ok := pickTarget(snapshot, testSelfID)
	require.False(t, ok)
}

func TestPickTargetDialsOldestWaiter(t *testing.T) {
	// Two waiters visible to both sides: the younger one initiates
	// towards the older one.
	snapshot := []PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	}
	target, ok := pickTarget(snapshot, testSelfID)
	require.True(t, ok)
	require.Equal(t, "p1", target)
}

func TestPickTargetSkipsNonWaiting(t *testing.T) {
	snapshot := []PresenceEntry{
		{PeerID: "p0", Status: StatusBusy, Timestamp: 50},
		{PeerID: "p1", Status: StatusIdle, Timestamp: 80},
		waitingEntry(testSelfID, 100),
		waitingEntry("p2", 200),
	}
	_, ok := pickTarget(snapshot, testSelfID)
	require.False(t, ok, "self is the oldest waiting entry")

	snapshot2 := []PresenceEntry{
		{PeerID: "p0", Status: StatusBusy, Timestamp: 50},
		waitingEntry("p2", 150),
		waitingEntry(testSelfID, 200),
	}
	target, ok := pickTarget(snapshot2, testSelfID)
	require.True(t, ok)
	require.Equal(t, "p2", target)
}

func newTestMatchmaker(t *testing.T, dialer *fakeDialer) (*Matchmaker, *Session) {
	t.Helper()
	session, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mm := newMatchmaker(ctx, testSelfID, dialer, session)
	session.matchmaker = mm
	go session.run()
	return mm, session
}

func TestAttemptFailureFallsBackToLoop(t *testing.T) {
	dialer := &fakeDialer{dialFn: func(ctx context.Context, peerID string) (*Conn, error) {
		return nil, errors.New("peer-unavailable")
	}}
	mm, session := newTestMatchmaker(t, dialer)
	require.NoError(t, session.Search())

	snapshot := []PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	}

	mm.Evaluate(snapshot)
	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, time.Second, 10*time.Millisecond)

	// No main connection was recorded; the next snapshot retries, which
	// may retarget the same peer.
	require.Eventually(t, func() bool {
		mm.Evaluate(snapshot)
		return dialer.callCount() >= 2
	}, time.Second, 10*time.Millisecond)
	require.Nil(t, session.registry.Main())
	require.Equal(t, StateWaiting, session.State())
}

func TestSingleAttemptInFlight(t *testing.T) {
	release := make(chan struct{})
	dialer := &fakeDialer{dialFn: func(ctx context.Context, peerID string) (*Conn, error) {
		<-release
		return nil, errors.New("peer-unavailable")
	}}
	mm, session := newTestMatchmaker(t, dialer)
	require.NoError(t, session.Search())

	snapshot := []PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	}

	mm.Evaluate(snapshot)
	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, time.Second, 10*time.Millisecond)

	// Re-evaluating while the dial is pending must not start another.
	mm.Evaluate(snapshot)
	mm.Evaluate(snapshot)
	require.Equal(t, 1, dialer.callCount())
	close(release)
}

func TestSuccessfulAttemptBecomesMain(t *testing.T) {
	conn, _ := newTestConn(KindMain, "p1")
	dialer := &fakeDialer{dialFn: func(ctx context.Context, peerID string) (*Conn, error) {
		return conn, nil
	}}
	mm, session := newTestMatchmaker(t, dialer)
	require.NoError(t, session.Search())

	mm.Evaluate([]PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	})

	require.Eventually(t, func() bool {
		return session.registry.Main() == conn && session.State() == StateConnected
	}, time.Second, 10*time.Millisecond)
}

func TestStaleOpenIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	conn, wire := newTestConn(KindMain, "p1")
	dialer := &fakeDialer{dialFn: func(ctx context.Context, peerID string) (*Conn, error) {
		<-release
		return conn, nil
	}}
	mm, session := newTestMatchmaker(t, dialer)
	require.NoError(t, session.Search())

	mm.Evaluate([]PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	})
	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, time.Second, 10*time.Millisecond)

	// The user walks away while the dial is in flight; the eventual
	// open must not become the main connection.
	session.StopSearch()
	close(release)

	require.Eventually(t, func() bool { return wire.isClosed() }, time.Second, 10*time.Millisecond)
	require.Nil(t, session.registry.Main())
	require.Equal(t, StateIdle, session.State())
}

func TestEvaluateIgnoredWhileConnected(t *testing.T) {
	dialer := &fakeDialer{dialFn: func(ctx context.Context, peerID string) (*Conn, error) {
		t.Fatal("dial must not happen while connected")
		return nil, nil
	}}
	mm, session := newTestMatchmaker(t, dialer)

	main, _ := newTestConn(KindMain, "current")
	session.handleOpened(main)

	mm.Evaluate([]PresenceEntry{
		waitingEntry("p1", 100),
		waitingEntry(testSelfID, 200),
	})
	require.Equal(t, 0, dialer.callCount())
}
