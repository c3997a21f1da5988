package hostevt

import (
	"testing"

	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
)

func TestRecorderAndTee(t *testing.T) {
	var a, b Recorder
	sink := Tee(&a, nil, &b)

	sink.Notify(ConnectionTerminated{Handle: 1, Reason: pdu.ErrConnectionTimeout})
	sink.Notify(AdvertisingSetStarted{Handle: 2})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("recorded %d and %d events", len(a.Events()), len(b.Events()))
	}
	term := a.Named(NameConnectionTerminated)
	if len(term) != 1 || term[0].(ConnectionTerminated).Reason != 0x08 {
		t.Fatalf("Named() = %v", term)
	}
	a.Reset()
	if len(a.Events()) != 0 {
		t.Fatal("Reset did not clear events")
	}
}

func TestFieldsAreStructCompatible(t *testing.T) {
	events := []Event{
		ConnectionEstablished{Handle: 1, Central: true, Params: pdu.DefaultConnParams(), AccessAddress: 0x12345678, Algorithm: "CSA#2"},
		ConnectionUpdated{Handle: 1, Params: pdu.FastConnParams()},
		PHYUpdated{Handle: 1, Tx: pdu.PHY2M, Rx: pdu.PHY2M},
		ConnectionTerminated{Handle: 1, Reason: pdu.ErrRemoteUserTerminated},
		AdvertisingSetStarted{Handle: 0},
		AdvertisingSetEnded{Handle: 0, Events: 4},
		AdvertisingSetTerminated{Handle: 0, Status: pdu.ErrLimitReached, Events: 10},
		RemoteFeatures{Handle: 1, Features: pdu.NewFeatureSet(pdu.FeaturePing)},
		RemoteVersion{Handle: 1, Version: 12, CompanyID: 0x0059},
		DataLengthChanged{Handle: 1, MaxTxOctets: 251, MaxTxTime: 2120, MaxRxOctets: 251, MaxRxTime: 2120},
		ProcedureFailed{Handle: 1, Procedure: pdu.ProcPHYUpdate, Reason: pdu.ErrUnsupportedRemoteFeature},
		PeriodicSyncLost{Handle: 3},
		AdvertisingReport{PDUType: pdu.PDUTypeAdvInd, Channel: 37, Data: []byte{2, 1, 6}},
	}

	dir := t.TempDir()
	var now radio.Time
	j, err := OpenJournal(dir, "0123456789abcdef", func() radio.Time { return now })
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range events {
		now = radio.Time(i * 1000)
		j.Notify(e)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	// Writes after Close are dropped.
	j.Notify(AdvertisingSetStarted{Handle: 9})

	records, err := ReadJournal(j.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(events) {
		t.Fatalf("read %d records, want %d", len(records), len(events))
	}
	for i, r := range records {
		if r.Event != events[i].Name() {
			t.Errorf("record %d event = %q, want %q", i, r.Event, events[i].Name())
		}
		if r.Session != "0123456789abcdef" {
			t.Errorf("record %d session = %q", i, r.Session)
		}
		if r.TimeUs != int64(i*1000) {
			t.Errorf("record %d time = %d", i, r.TimeUs)
		}
	}
	if got := records[3].Fields["reason"]; got != float64(0x13) {
		t.Errorf("terminate reason = %v", got)
	}
	if got := records[0].Fields["role"]; got != "central" {
		t.Errorf("role = %v", got)
	}
}
