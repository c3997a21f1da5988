// Package peer plays the remote device in simulations. A Link is a full
// link layer connection in the opposite role that answers the local
// controller's connection events; a Device advertises, scans and initiates
// on the primary advertising channels.
package peer

import (
	"fmt"

	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/hostevt"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// Action is a host command the peer runs on its side of the link
type Action func(l *conn.Connection) error

// Script drives the behaviour of a remote link
type Script struct {
	Config conn.Config
	// SilentAfter stops the peer from answering after this many attended
	// events. Zero keeps it answering.
	SilentAfter int
	// Actions run before the peer's Nth attended event (1-based).
	Actions map[int]Action
}

// DefaultScript answers everything with the default controller config
func DefaultScript() Script {
	return Script{Config: conn.DefaultConfig()}
}

// Link is the remote end of one connection
type Link struct {
	Recorder hostevt.Recorder

	conn   *conn.Connection
	script Script
	events int
	prefix string
}

// NewLink creates the remote end of a connection. setup.Role is the
// peer's role.
func NewLink(setup conn.Setup, script Script) (*Link, error) {
	l := &Link{script: script, prefix: fmt.Sprintf("peer %d", setup.Handle)}
	c, err := conn.New(setup, script.Config, &l.Recorder)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	l.conn = c
	return l, nil
}

// Conn returns the peer's connection
func (l *Link) Conn() *conn.Connection { return l.conn }

// Attended returns how many events the peer took part in
func (l *Link) Attended() int { return l.events }

// Respond is the radio.Responder of the link's access address. The peer
// lines its anchor up with the request: events it did not hear are missed,
// and a request that falls on an event it sleeps through with latency gets
// no answer.
func (l *Link) Respond(req radio.Request, at radio.Time) []radio.Packet {
	c := l.conn
	if c.Terminated() {
		return nil
	}
	half := radio.Time(c.Params.IntervalUs()) / 2
	for c.Anchor+half < at && !c.Terminated() {
		c.Missed()
	}
	if c.Terminated() || c.Anchor > at+half {
		return nil
	}
	if req.Channel != c.Channel {
		logger.Warn(l.prefix, "request on channel %d, peer listens on %d", req.Channel, c.Channel)
		c.Missed()
		return nil
	}
	c.Anchor = at
	l.events++

	if l.script.SilentAfter > 0 && l.events > l.script.SilentAfter {
		c.Missed()
		return nil
	}
	if act, ok := l.script.Actions[l.events]; ok {
		if err := act(c); err != nil {
			logger.Warn(l.prefix, "action at event %d: %v", l.events, err)
		}
	}

	out := c.Prepare()
	c.Complete(radio.Completion{
		Request: out,
		Outcome: radio.Completed,
		Start:   at,
		End:     at + out.MaxDuration,
		RxValid: true,
		Acked:   len(out.Tx),
		Rx:      req.Tx,
	})
	return out.Tx
}
