// Package hostevt defines the events the link layer reports to the host and
// the sinks that receive them. Status and reason values are Core
// Specification error codes.
package hostevt

import (
	"fmt"
	"sync"

	"github.com/user/linklayer/ll/pdu"
)

// Event is one notification to the host.
type Event interface {
	Name() string
	// Fields returns the event's parameters as JSON friendly values
	Fields() map[string]interface{}
}

// Event names
const (
	NameConnectionEstablished    = "connection_established"
	NameConnectionUpdated        = "connection_updated"
	NamePHYUpdated               = "phy_updated"
	NameConnectionTerminated     = "connection_terminated"
	NameAdvertisingSetStarted    = "advertising_set_started"
	NameAdvertisingSetEnded      = "advertising_set_ended"
	NameAdvertisingSetTerminated = "advertising_set_terminated"
	NameRemoteFeatures           = "remote_features"
	NameRemoteVersion            = "remote_version"
	NameDataLengthChanged        = "data_length_changed"
	NameProcedureFailed          = "procedure_failed"
	NamePeriodicSyncLost         = "periodic_sync_lost"
	NameAdvertisingReport        = "advertising_report"
)

type ConnectionEstablished struct {
	Handle        uint16
	Central       bool
	Status        pdu.ErrorCode
	Params        pdu.ConnParams
	AccessAddress uint32
	Algorithm     string
}

func (e ConnectionEstablished) Name() string { return NameConnectionEstablished }

func (e ConnectionEstablished) Fields() map[string]interface{} {
	role := "peripheral"
	if e.Central {
		role = "central"
	}
	return map[string]interface{}{
		"handle":         int(e.Handle),
		"role":           role,
		"status":         int(e.Status),
		"interval":       int(e.Params.Interval),
		"latency":        int(e.Params.Latency),
		"timeout":        int(e.Params.Timeout),
		"access_address": fmt.Sprintf("0x%08X", e.AccessAddress),
		"algorithm":      e.Algorithm,
	}
}

type ConnectionUpdated struct {
	Handle uint16
	Status pdu.ErrorCode
	Params pdu.ConnParams
}

func (e ConnectionUpdated) Name() string { return NameConnectionUpdated }

func (e ConnectionUpdated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":   int(e.Handle),
		"status":   int(e.Status),
		"interval": int(e.Params.Interval),
		"latency":  int(e.Params.Latency),
		"timeout":  int(e.Params.Timeout),
	}
}

type PHYUpdated struct {
	Handle uint16
	Status pdu.ErrorCode
	Tx     pdu.PHY
	Rx     pdu.PHY
}

func (e PHYUpdated) Name() string { return NamePHYUpdated }

func (e PHYUpdated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle": int(e.Handle),
		"status": int(e.Status),
		"tx_phy": e.Tx.String(),
		"rx_phy": e.Rx.String(),
	}
}

type ConnectionTerminated struct {
	Handle uint16
	Reason pdu.ErrorCode
}

func (e ConnectionTerminated) Name() string { return NameConnectionTerminated }

func (e ConnectionTerminated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":      int(e.Handle),
		"reason":      int(e.Reason),
		"reason_name": e.Reason.String(),
	}
}

type AdvertisingSetStarted struct {
	Handle uint8
}

func (e AdvertisingSetStarted) Name() string { return NameAdvertisingSetStarted }

func (e AdvertisingSetStarted) Fields() map[string]interface{} {
	return map[string]interface{}{"adv_handle": int(e.Handle)}
}

// AdvertisingSetEnded reports that the host disabled a set.
type AdvertisingSetEnded struct {
	Handle uint8
	Events int
}

func (e AdvertisingSetEnded) Name() string { return NameAdvertisingSetEnded }

func (e AdvertisingSetEnded) Fields() map[string]interface{} {
	return map[string]interface{}{"adv_handle": int(e.Handle), "events": e.Events}
}

// AdvertisingSetTerminated reports that a set stopped on its own: duration
// elapsed, event limit reached, or a connection was created.
type AdvertisingSetTerminated struct {
	Handle     uint8
	Status     pdu.ErrorCode
	ConnHandle uint16
	Events     int
}

func (e AdvertisingSetTerminated) Name() string { return NameAdvertisingSetTerminated }

func (e AdvertisingSetTerminated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"adv_handle":  int(e.Handle),
		"status":      int(e.Status),
		"conn_handle": int(e.ConnHandle),
		"events":      e.Events,
	}
}

type RemoteFeatures struct {
	Handle   uint16
	Status   pdu.ErrorCode
	Features pdu.FeatureSet
}

func (e RemoteFeatures) Name() string { return NameRemoteFeatures }

func (e RemoteFeatures) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":   int(e.Handle),
		"status":   int(e.Status),
		"features": e.Features.String(),
	}
}

type RemoteVersion struct {
	Handle     uint16
	Status     pdu.ErrorCode
	Version    uint8
	CompanyID  uint16
	SubVersion uint16
}

func (e RemoteVersion) Name() string { return NameRemoteVersion }

func (e RemoteVersion) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":      int(e.Handle),
		"status":      int(e.Status),
		"version":     int(e.Version),
		"company_id":  int(e.CompanyID),
		"sub_version": int(e.SubVersion),
	}
}

type DataLengthChanged struct {
	Handle      uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

func (e DataLengthChanged) Name() string { return NameDataLengthChanged }

func (e DataLengthChanged) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":        int(e.Handle),
		"max_tx_octets": int(e.MaxTxOctets),
		"max_tx_time":   int(e.MaxTxTime),
		"max_rx_octets": int(e.MaxRxOctets),
		"max_rx_time":   int(e.MaxRxTime),
	}
}

// ProcedureFailed reports a local control procedure that the peer rejected
// or that could not be started.
type ProcedureFailed struct {
	Handle    uint16
	Procedure pdu.Procedure
	Reason    pdu.ErrorCode
}

func (e ProcedureFailed) Name() string { return NameProcedureFailed }

func (e ProcedureFailed) Fields() map[string]interface{} {
	return map[string]interface{}{
		"handle":      int(e.Handle),
		"procedure":   e.Procedure.String(),
		"reason":      int(e.Reason),
		"reason_name": e.Reason.String(),
	}
}

type PeriodicSyncLost struct {
	Handle uint8
}

func (e PeriodicSyncLost) Name() string { return NamePeriodicSyncLost }

func (e PeriodicSyncLost) Fields() map[string]interface{} {
	return map[string]interface{}{"sync_handle": int(e.Handle)}
}

// AdvertisingReport is an advertising PDU heard by the scanner
type AdvertisingReport struct {
	PDUType byte
	Channel int
	AdvA    [pdu.AddressLen]byte
	Data    []byte
}

func (e AdvertisingReport) Name() string { return NameAdvertisingReport }

func (e AdvertisingReport) Fields() map[string]interface{} {
	return map[string]interface{}{
		"pdu_type": pdu.PDUTypeName(e.PDUType),
		"channel":  e.Channel,
		"adv_a":    fmt.Sprintf("%X", e.AdvA),
		"data_len": len(e.Data),
	}
}

// Sink receives host events
type Sink interface {
	Notify(e Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(e Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) {})

type tee []Sink

func (t tee) Notify(e Event) {
	for _, s := range t {
		s.Notify(e)
	}
}

// Tee fans events out to several sinks in order. nil sinks are skipped.
func Tee(sinks ...Sink) Sink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}

// Recorder keeps every event in memory.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

// Notify records e
func (r *Recorder) Notify(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name
func (r *Recorder) Named(name string) []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets all events
func (r *Recorder) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = nil
}
