package chat

import "time"

const (
	// Protocol IDs for point-to-point streams. The ID a stream is opened
	// on fixes the connection kind for its whole lifetime.
	MainProtocol   = "/strangers/main/1.0.0"
	DirectProtocol = "/strangers/direct/1.0.0"

	// Shared pubsub channels.
	LobbyTopic     = "strangers-lobby"
	BroadcastTopic = "strangers-broadcast"

	// DHT namespace for lobby peer discovery.
	LobbyNamespace = "strangers-lobby-v1"
)

const (
	// dialTimeout bounds one match attempt before falling back into the
	// matchmaking loop.
	dialTimeout = 5500 * time.Millisecond

	// typingExpiry clears a partner's typing/recording indicator when no
	// explicit stop arrives.
	typingExpiry = 4 * time.Second

	// disconnectGrace gives a best-effort disconnect envelope time to
	// flush before the stream is torn down.
	disconnectGrace = 250 * time.Millisecond

	// lastSeenThrottle limits how often presence refreshes a friend's
	// LastSeen on disk.
	lastSeenThrottle = 60 * time.Second

	// vanishDelay is how long vanish-mode messages stay in history.
	vanishDelay = 30 * time.Second

	// maxRecentPeers caps the met-recently list.
	maxRecentPeers = 20

	// presenceStale prunes lobby entries whose owner stopped publishing.
	presenceStale = 5 * time.Minute
)

// greetingText seeds every new main session. The profile envelope
// patches the stranger's username in once it arrives.
const greetingText = "You are now chatting with a stranger. Say hi!"
