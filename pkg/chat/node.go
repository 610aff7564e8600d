package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"

	"github.com/anuraghashagile/stangersintown/pkg/store"
)

// Node is one attached chat client: a libp2p host plus the matchmaking
// lobby, the main/direct session machinery and local persistence. One
// Node per identity; all component state lives here rather than at
// package level.
type Node struct {
	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	ctx     context.Context
	cancel  context.CancelFunc
	dataDir string

	Store      store.Store
	Persist    *Persist
	Presence   *PresenceRegistry
	Registry   *ConnRegistry
	Friends    *FriendshipManager
	Session    *Session
	Matchmaker *Matchmaker
	Broadcast  *Broadcast

	// OnIdentityConflict fires when another live attachment claims this
	// node's persistent identity.
	OnIdentityConflict func()
}

// NewNode builds the host and wires all components. The presence lobby
// is joined later by Bootstrap so the caller controls when the node
// becomes visible.
func NewNode(port int, baseDir string, profile Profile) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dataDir, err := getDataDir(baseDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	privKey, err := LoadIdentity(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load or generate identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}

	var idht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", port+1),
		),
		libp2p.Identity(privKey),
		libp2p.ConnectionManager(cm),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeServer))
			return idht, err
		}),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	fileStore, err := store.NewFileStore(dataDir)
	if err != nil {
		cancel()
		return nil, err
	}

	node := &Node{
		host:     h,
		ctx:      ctx,
		cancel:   cancel,
		dht:      idht,
		pubsub:   ps,
		dataDir:  dataDir,
		Store:    fileStore,
		Persist:  NewPersist(fileStore),
		Presence: newPresenceRegistry(),
		Registry: NewConnRegistry(),
	}

	node.Session = newSession(ctx, h.ID().String(), profile, node.Presence, node.Registry, nil, node.Persist)
	node.Friends = newFriendshipManager(node.Persist, node.Session.Profile)
	node.Session.friends = node.Friends
	node.Matchmaker = newMatchmaker(ctx, h.ID().String(), node, node.Session)
	node.Session.matchmaker = node.Matchmaker
	node.Broadcast = newBroadcast()

	h.SetStreamHandler(MainProtocol, func(s network.Stream) {
		node.Session.enqueueOpen(newStreamConn(KindMain, s))
	})
	h.SetStreamHandler(DirectProtocol, func(s network.Stream) {
		node.Session.enqueueOpen(newStreamConn(KindDirect, s))
	})

	go node.Session.run()

	fmt.Printf("✅ Node ID: %s\n", h.ID().String())
	fmt.Printf("✅ Listening on:\n")
	for _, addr := range h.Addrs() {
		fmt.Printf("   %s/p2p/%s\n", addr, h.ID().String())
	}

	return node, nil
}

// ID returns this node's peer identifier.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// Bootstrap connects to the DHT, starts lobby discovery and attaches to
// the presence and broadcast channels.
func (n *Node) Bootstrap() error {
	connected := false
	for _, addr := range publicBootstrapPeers {
		if err := n.connectToPeer(addr); err == nil {
			connected = true
			break
		}
	}
	if !connected {
		log.Printf("no initial DHT connection, will discover peers organically")
	}

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		log.Printf("DHT bootstrap warning: %v", err)
	}

	go n.startLobbyDiscovery()
	go n.maintainNetwork()

	n.Presence.onUpdate = n.handleSnapshot
	n.Presence.onCollision = func() {
		log.Printf("%v", ErrIdentityTaken)
		if n.OnIdentityConflict != nil {
			n.OnIdentityConflict()
		}
	}
	if err := n.Presence.attach(n.ctx, n.pubsub, n.ID(), n.Session.Profile()); err != nil {
		return fmt.Errorf("failed to attach to lobby: %w", err)
	}

	if err := n.Broadcast.attach(n.ctx, n.pubsub, n.ID()); err != nil {
		return fmt.Errorf("failed to attach broadcast channel: %w", err)
	}

	return nil
}

// handleSnapshot fans one presence snapshot out to matchmaking and
// friend last-seen tracking.
func (n *Node) handleSnapshot(snapshot []PresenceEntry) {
	n.Matchmaker.Evaluate(snapshot)
	for _, entry := range snapshot {
		if entry.PeerID != n.ID() && n.Friends.IsFriend(entry.PeerID) {
			n.Friends.NoteSeen(entry.PeerID)
		}
	}
}

// dialMain opens an outbound main-kind stream. Called by the
// matchmaker with an attempt-scoped timeout context.
func (n *Node) dialMain(ctx context.Context, peerID string) (*Conn, error) {
	return n.dial(ctx, peerID, MainProtocol, KindMain)
}

// DialDirect opens a direct connection to a known peer (a friend or a
// recently met stranger). Returns once the session loop has recorded
// the connection, so callers may send immediately.
func (n *Node) DialDirect(peerID string) error {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()

	conn, err := n.dial(ctx, peerID, DirectProtocol, KindDirect)
	if err != nil {
		return err
	}
	n.Session.enqueueOpenWait(conn)
	return nil
}

func (n *Node) dial(ctx context.Context, peerID string, proto string, kind ConnKind) (*Conn, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID: %w", err)
	}

	s, err := n.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream to %s: %w", kind, shortID(peerID), err)
	}
	return newStreamConn(kind, s), nil
}

// Close detaches from the lobby and shuts the node down.
func (n *Node) Close() error {
	if n.Presence.topic != nil {
		n.Presence.detach()
	}
	n.cancel()
	return n.host.Close()
}
