package chat

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
)

// wire is the minimal duplex channel a Conn runs over. Production conns
// wrap a libp2p stream; tests use an in-memory pipe.
type wire interface {
	send(env Envelope) error
	next() (Envelope, error)
	close() error
}

// Conn is one live point-to-point connection carrying protocol
// envelopes. Kind and Peer are fixed at open time.
type Conn struct {
	Kind ConnKind
	Peer string

	link      wire
	closeOnce sync.Once
	closeErr  error
}

func newConn(kind ConnKind, peerID string, link wire) *Conn {
	return &Conn{Kind: kind, Peer: peerID, link: link}
}

// newStreamConn wraps an open libp2p stream. The protocol ID the stream
// was negotiated on determines kind.
func newStreamConn(kind ConnKind, s network.Stream) *Conn {
	return newConn(kind, s.Conn().RemotePeer().String(), &streamWire{
		stream: s,
		enc:    json.NewEncoder(s),
		dec:    json.NewDecoder(s),
	})
}

// Send writes one envelope. Delivery is ordered within the connection
// but not acknowledged; callers treat failures as best-effort losses.
func (c *Conn) Send(env Envelope) error {
	return c.link.send(env)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.link.close()
	})
	return c.closeErr
}

// readLoop decodes inbound envelopes until the stream dies, feeding the
// session's event queue. Runs as the connection's only reader.
func (c *Conn) readLoop(events chan<- connEvent) {
	for {
		env, err := c.link.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, network.ErrReset) {
				events <- connEvent{kind: evClosed, conn: c}
			} else {
				events <- connEvent{kind: evErrored, conn: c, err: err}
			}
			return
		}
		events <- connEvent{kind: evData, conn: c, env: env}
	}
}

type streamWire struct {
	stream network.Stream
	enc    *json.Encoder
	dec    *json.Decoder
	wmu    sync.Mutex
}

func (w *streamWire) send(env Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.enc.Encode(env)
}

func (w *streamWire) next() (Envelope, error) {
	var env Envelope
	err := w.dec.Decode(&env)
	return env, err
}

func (w *streamWire) close() error {
	return w.stream.Close()
}
