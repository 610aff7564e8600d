package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

// publicBootstrapPeers seed the DHT. One successful connection is
// enough to start routing.
var publicBootstrapPeers = []string{
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb",
	"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
}

// startLobbyDiscovery advertises the lobby namespace on the DHT and
// periodically connects to other lobby members. Gossipsub needs this
// baseline connectivity before presence entries start flowing.
func (n *Node) startLobbyDiscovery() {
	routingDiscovery := discovery.NewRoutingDiscovery(n.dht)
	util.Advertise(n.ctx, routingDiscovery, LobbyNamespace)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := routingDiscovery.FindPeers(n.ctx, LobbyNamespace)
			if err != nil {
				continue
			}
			n.connectDiscovered(peerChan)
		}
	}
}

func (n *Node) connectDiscovered(peerChan <-chan peer.AddrInfo) {
	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.host.Network().Connectedness(p.ID) == network.Connected {
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err == nil {
				log.Printf("connected to lobby peer %s", shortID(pi.ID.String()))
			}
		}(p)
	}
}

// maintainNetwork re-advertises when the node looks isolated.
func (n *Node) maintainNetwork() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	routingDiscovery := discovery.NewRoutingDiscovery(n.dht)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.host.Network().Peers()) < 3 {
				go util.Advertise(n.ctx, routingDiscovery, LobbyNamespace)
			}
		}
	}
}

// connectToPeer dials a peer given its multiaddress string. Used for
// DHT bootstrapping and manual connections from the CLI.
func (n *Node) connectToPeer(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return fmt.Errorf("invalid multiaddress: %w", err)
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("failed to get peer info: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.host.Connect(ctx, *peerInfo)
}

// ConnectToPeer is the exported manual-dial entry point.
func (n *Node) ConnectToPeer(addrStr string) error {
	return n.connectToPeer(addrStr)
}
