package chat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// StartCLI runs the interactive command loop. This is a thin
// presentation layer over the node; all engine behavior lives in the
// session and its collaborators.
func (n *Node) StartCLI() {
	n.Session.OnStateChange = func(state State) {
		fmt.Printf("\r💬 session: %s\n> ", state)
	}
	n.Session.OnMessage = func(msg Message) {
		fmt.Printf("\r[stranger] %s\n> ", renderMessage(msg))
	}
	n.Session.OnIndicator = func(kind EnvType, active bool) {
		if active {
			fmt.Printf("\r… stranger is %s\n> ", indicatorVerb(kind))
		}
	}
	n.Session.OnDirectMessage = func(peerID string, msg Message) {
		fmt.Printf("\r[dm %s] %s\n> ", shortID(peerID), renderMessage(msg))
	}
	n.Friends.OnRequest = func(req FriendRequest) {
		fmt.Printf("\r🤝 friend request from %s (%s): /accept %s or /reject %s\n> ",
			req.Profile.Username, shortID(req.PeerID), req.PeerID, req.PeerID)
	}
	n.Broadcast.On("shout", func(from string, payload json.RawMessage) {
		var text string
		if err := json.Unmarshal(payload, &text); err == nil {
			fmt.Printf("\r📢 %s: %s\n> ", shortID(from), text)
		}
	})

	fmt.Printf("\n✅ Strangers In Town started!\n")
	fmt.Printf("Commands:\n")
	fmt.Printf("  /search                    - Find a stranger to chat with\n")
	fmt.Printf("  /stop                      - Stop searching\n")
	fmt.Printf("  /dc                        - Disconnect the current session\n")
	fmt.Printf("  /dm <peerID> <msg>         - Message a friend or recent peer directly\n")
	fmt.Printf("  /friend                    - Send a friend request to the stranger\n")
	fmt.Printf("  /accept <peerID>           - Accept a friend request\n")
	fmt.Printf("  /reject <peerID>           - Reject a friend request\n")
	fmt.Printf("  /unfriend <peerID>         - Remove a friend\n")
	fmt.Printf("  /friends                   - List friends\n")
	fmt.Printf("  /requests                  - List pending friend requests\n")
	fmt.Printf("  /recent                    - List recently met peers\n")
	fmt.Printf("  /history <peerID> [n]      - Show the last [n] direct messages (default 50)\n")
	fmt.Printf("  /profile <username>        - Change display name and re-broadcast\n")
	fmt.Printf("  /vanish on|off             - Toggle vanish mode\n")
	fmt.Printf("  /react <msgID> <emoji>     - React to a message\n")
	fmt.Printf("  /edit <msgID> <text>       - Edit one of your messages\n")
	fmt.Printf("  /shout <msg>               - Broadcast to everyone online\n")
	fmt.Printf("  /connect <addr>            - Connect to a specific peer\n")
	fmt.Printf("  /peers                     - Show network status\n")
	fmt.Printf("  /quit                      - Exit\n")
	fmt.Printf("  <message>                  - Send to the current stranger\n")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Print("> ")
			continue
		}

		switch {
		case input == "/quit":
			fmt.Println("🔌 Shutting down...")
			return

		case input == "/search":
			if err := n.Session.Search(); err != nil {
				log.Printf("❌ Failed to start searching: %v", err)
			}

		case input == "/stop":
			n.Session.StopSearch()

		case input == "/dc":
			n.Session.Disconnect()

		case strings.HasPrefix(input, "/dm "):
			parts := strings.SplitN(input[4:], " ", 2)
			if len(parts) < 2 {
				fmt.Println("Usage: /dm <peerID> <message>")
				break
			}
			n.sendDirect(parts[0], parts[1])

		case input == "/friend":
			peerID, ok := n.Session.PartnerID()
			if !ok {
				fmt.Println("No active session to send a friend request on.")
				break
			}
			if err := n.Session.RequestFriend(peerID); err != nil {
				log.Printf("❌ Failed to send friend request: %v", err)
			} else {
				fmt.Println("Friend request sent.")
			}

		case strings.HasPrefix(input, "/accept "):
			peerID := strings.TrimSpace(input[8:])
			if err := n.Session.AcceptFriend(peerID); err != nil {
				log.Printf("❌ Failed to accept: %v", err)
			} else {
				fmt.Println("Friend added.")
			}

		case strings.HasPrefix(input, "/reject "):
			n.Friends.Reject(strings.TrimSpace(input[8:]))

		case strings.HasPrefix(input, "/unfriend "):
			n.Friends.Remove(strings.TrimSpace(input[10:]))
			fmt.Println("Friend removed.")

		case input == "/friends":
			friends := n.Friends.Friends()
			if len(friends) == 0 {
				fmt.Println("No friends yet. Meet a stranger and use /friend.")
			}
			for _, fr := range friends {
				lastSeen := time.UnixMilli(fr.LastSeen).Format("Jan 2 15:04")
				fmt.Printf("  - %s (%s) last seen %s\n", fr.Profile.Username, fr.PeerID, lastSeen)
			}

		case input == "/requests":
			pending := n.Friends.Pending()
			if len(pending) == 0 {
				fmt.Println("No pending friend requests.")
			}
			for _, req := range pending {
				fmt.Printf("  - %s (%s)\n", req.Profile.Username, req.PeerID)
			}

		case input == "/recent":
			for _, rp := range n.Persist.RecentPeers() {
				metAt := time.UnixMilli(rp.MetAt).Format("Jan 2 15:04")
				fmt.Printf("  - %s (%s) met %s\n", rp.Profile.Username, rp.PeerID, metAt)
			}

		case strings.HasPrefix(input, "/history "):
			parts := strings.Fields(input)
			if len(parts) < 2 {
				fmt.Println("Usage: /history <peerID> [count]")
				break
			}
			count := 50
			if len(parts) > 2 {
				var err error
				if count, err = strconv.Atoi(parts[2]); err != nil {
					fmt.Println("Invalid count, must be a number.")
					break
				}
			}
			msgs := n.Persist.History(parts[1])
			if len(msgs) > count {
				msgs = msgs[len(msgs)-count:]
			}
			for _, msg := range msgs {
				fmt.Printf("[%s] %s: %s\n",
					time.UnixMilli(msg.Timestamp).Format("15:04"), msg.Sender, renderMessage(msg))
			}

		case strings.HasPrefix(input, "/profile "):
			username := strings.TrimSpace(input[9:])
			if username == "" {
				fmt.Println("Usage: /profile <username>")
				break
			}
			profile := n.Session.Profile()
			profile.Username = username
			n.Session.SetProfile(profile)
			if err := n.Presence.SetProfile(profile); err != nil {
				log.Printf("❌ Failed to publish profile: %v", err)
			}

		case strings.HasPrefix(input, "/vanish "):
			n.Session.SetVanish(strings.TrimSpace(input[8:]) == "on")

		case strings.HasPrefix(input, "/react "):
			parts := strings.Fields(input)
			if len(parts) != 3 {
				fmt.Println("Usage: /react <msgID> <emoji>")
				break
			}
			if err := n.Session.SendReaction(parts[1], parts[2]); err != nil {
				log.Printf("❌ Failed to react: %v", err)
			}

		case strings.HasPrefix(input, "/edit "):
			parts := strings.SplitN(input[6:], " ", 2)
			if len(parts) < 2 {
				fmt.Println("Usage: /edit <msgID> <text>")
				break
			}
			if err := n.Session.EditMessage(parts[0], parts[1]); err != nil {
				log.Printf("❌ Failed to edit: %v", err)
			}

		case strings.HasPrefix(input, "/shout "):
			if err := n.Broadcast.Publish("shout", strings.TrimSpace(input[7:])); err != nil {
				log.Printf("❌ Failed to broadcast: %v", err)
			}

		case strings.HasPrefix(input, "/connect "):
			if err := n.ConnectToPeer(strings.TrimSpace(input[9:])); err != nil {
				fmt.Printf("❌ Connection failed: %v\n", err)
			} else {
				fmt.Println("✅ Connected successfully")
			}

		case input == "/peers":
			fmt.Printf("📊 Network: %d connected peers, %d in lobby, state %s\n",
				len(n.host.Network().Peers()), len(n.Presence.Snapshot()), n.Session.State())

		default:
			if _, err := n.Session.SendText(input); err != nil {
				log.Printf("❌ Failed to send: %v", err)
			}
		}
		fmt.Print("> ")
	}
}

// sendDirect messages a peer, dialing a direct connection first if none
// is open.
func (n *Node) sendDirect(peerID, text string) {
	if _, ok := n.Registry.LookupDirect(peerID); !ok {
		if err := n.DialDirect(peerID); err != nil {
			log.Printf("❌ Failed to reach %s: %v", shortID(peerID), err)
			return
		}
	}
	if _, err := n.Session.SendDirectText(peerID, text); err != nil {
		log.Printf("❌ Failed to send dm: %v", err)
	}
}

func renderMessage(msg Message) string {
	switch msg.Type {
	case TypeImage:
		return "[image]"
	case TypeAudio:
		return "[voice note]"
	default:
		return msg.Text
	}
}

func indicatorVerb(kind EnvType) string {
	if kind == EnvRecording {
		return "recording"
	}
	return "typing"
}
