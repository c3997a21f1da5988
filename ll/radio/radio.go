// Package radio defines the boundary between the link layer scheduler and
// the radio: a task is submitted with a start time, channel and maximum
// duration, and later completes, is aborted, or is preempted.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/linklayer/ll/pdu"
)

// Time is radio timer time in microseconds.
type Time int64

// Common durations
const (
	Microsecond Time = 1
	Millisecond Time = 1000
	Second      Time = 1000000
)

func (t Time) String() string {
	return fmt.Sprintf("%d.%03dms", int64(t)/1000, abs(int64(t)%1000))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// AdvertisingAccessAddress is used on all advertising physical channels.
const AdvertisingAccessAddress = pdu.AdvertisingAccessAddress

// Handle identifies a submitted task.
type Handle uint32

// Kind is the role a radio task serves.
type Kind uint8

const (
	KindConnection Kind = iota
	KindAdvertising
	KindScan
	KindInitiate
	KindPeriodicAdv
	KindPeriodicSync
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAdvertising:
		return "advertising"
	case KindScan:
		return "scan"
	case KindInitiate:
		return "initiate"
	case KindPeriodicAdv:
		return "periodic_adv"
	case KindPeriodicSync:
		return "periodic_sync"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Packet is one PDU on air. Control marks an LL control PDU on a data
// channel; on advertising channels the payload is the full advertising PDU.
type Packet struct {
	Control bool
	Payload []byte
}

// Request is a radio task.
type Request struct {
	Kind          Kind
	Start         Time
	MaxDuration   Time
	Channel       int
	Mode          pdu.Mode
	AccessAddress uint32
	Tx            []Packet
}

// End returns the latest time the task may occupy the radio
func (r Request) End() Time { return r.Start + r.MaxDuration }

// Outcome is how a task finished. Exactly one is reported per task.
type Outcome uint8

const (
	Completed Outcome = iota
	Aborted
	Preempted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Preempted:
		return "preempted"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Completion reports the end of a task.
type Completion struct {
	Handle  Handle
	Request Request
	Outcome Outcome
	Start   Time
	End     Time

	// RxValid is set when at least one packet with a valid CRC was received.
	RxValid   bool
	CRCErrors int
	// Acked is the number of Tx packets acknowledged by the peer.
	Acked int
	Rx    []Packet
}

var (
	ErrIdle        = errors.New("radio: no task submitted")
	ErrInThePast   = errors.New("radio: task start is in the past")
	ErrUnknownTask = errors.New("radio: unknown task handle")
)

// Radio is the hardware abstraction consumed by the scheduler. Wait is the
// only blocking call.
type Radio interface {
	Now() Time
	Submit(req Request) (Handle, error)
	// Abort cancels a task that has not completed. It is idempotent.
	Abort(h Handle)
	Wait(ctx context.Context) (Completion, error)
}
