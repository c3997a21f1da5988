package pdu

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/user/linklayer/ll/counter"
)

func TestErrorCodeTable(t *testing.T) {
	// Values must match the Core Specification error code table bit for bit.
	tests := []struct {
		code ErrorCode
		want uint8
	}{
		{ErrConnectionTimeout, 0x08},
		{ErrLLResponseTimeout, 0x22},
		{ErrTerminatedByLocalHost, 0x16},
		{ErrRemoteUserTerminated, 0x13},
		{ErrUnsupportedRemoteFeature, 0x1A},
		{ErrInvalidLLParameters, 0x1E},
		{ErrLLProcedureCollision, 0x23},
		{ErrInstantPassed, 0x28},
		{ErrMemoryCapacityExceeded, 0x07},
		{ErrConnectionLimitExceeded, 0x09},
		{ErrCommandDisallowed, 0x0C},
		{ErrUnacceptableConnectionParams, 0x3B},
		{ErrAdvertisingTimeout, 0x3C},
		{ErrConnectionFailedToBeEstablished, 0x3E},
		{ErrLimitReached, 0x43},
	}
	for _, tt := range tests {
		if uint8(tt.code) != tt.want {
			t.Errorf("%s = 0x%02X, want 0x%02X", tt.code, uint8(tt.code), tt.want)
		}
		if _, ok := ErrorNames[tt.code]; !ok {
			t.Errorf("no name for 0x%02X", tt.want)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	base := NewError(ErrLLResponseTimeout, OpFeatureReq, 3)
	wrapped := fmt.Errorf("conn 3: %w", base)

	if !IsError(wrapped, ErrLLResponseTimeout) {
		t.Fatal("IsError should see through wrapping")
	}
	if IsError(wrapped, ErrConnectionTimeout) {
		t.Fatal("IsError matched the wrong code")
	}
	if got := CodeOf(wrapped); got != ErrLLResponseTimeout {
		t.Fatalf("CodeOf = %s, want %s", got, ErrLLResponseTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != ErrUnspecified {
		t.Fatalf("CodeOf(plain) = %s, want Unspecified", got)
	}
	if got := CodeOf(nil); got != Success {
		t.Fatalf("CodeOf(nil) = %s, want Success", got)
	}
}

func TestChannelMapLayout(t *testing.T) {
	m := NewChannelMap(0, 9, 36)
	want := ChannelMap{0x01, 0x02, 0x00, 0x00, 0x10}
	if m != want {
		t.Fatalf("map bytes = % X, want % X", m[:], want[:])
	}
	if m.Count() != 3 {
		t.Fatalf("Count = %d, want 3", m.Count())
	}
	if !m.Used(9) || m.Used(10) {
		t.Fatal("Used reports wrong channels")
	}

	all := AllChannels()
	if all.Count() != 37 {
		t.Fatalf("AllChannels count = %d", all.Count())
	}
	// Reserved bits are not data channels.
	reserved := ChannelMap{0x00, 0x00, 0x00, 0x00, 0xE0}
	if reserved.Count() != 0 {
		t.Fatalf("reserved bits counted: %d", reserved.Count())
	}
}

func TestChannelMapValidate(t *testing.T) {
	if err := NewChannelMap(5).Validate(); !IsError(err, ErrInvalidLLParameters) {
		t.Fatalf("single channel map: got %v, want Invalid LL Parameters", err)
	}
	if err := NewChannelMap(5, 6).Validate(); err != nil {
		t.Fatalf("two channel map rejected: %v", err)
	}
}

func TestFeatureSetBits(t *testing.T) {
	f := NewFeatureSet(FeatureChannelSelectionAlgorithm2, FeaturePHY2M, FeatureCodedPHY)
	if f[1] != 0x40|0x01|0x08 {
		t.Fatalf("byte 1 = 0x%02X, want 0x49", f[1])
	}
	if !f.Has(FeatureChannelSelectionAlgorithm2) {
		t.Fatal("CSA#2 bit not set")
	}

	withPrivacy := NewFeatureSet(FeaturePrivacy, FeaturePing)
	peer := withPrivacy.ForPeer()
	if peer.Has(FeaturePrivacy) || !peer.Has(FeaturePing) {
		t.Fatalf("ForPeer = %s", peer)
	}
}

func TestConnParamsValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  ConnParams
		wantErr bool
	}{
		{"Valid default parameters", DefaultConnParams(), false},
		{"Valid fast parameters", FastConnParams(), false},
		{"Valid power saving parameters", PowerSavingConnParams(), false},
		{"Interval too small", ConnParams{Interval: 5, Latency: 0, Timeout: 600}, true},
		{"Interval too large", ConnParams{Interval: 3201, Latency: 0, Timeout: 600}, true},
		{"Latency too large", ConnParams{Interval: 24, Latency: 500, Timeout: 3200}, true},
		{"Timeout too small", ConnParams{Interval: 6, Latency: 0, Timeout: 9}, true},
		{
			// 100ms timeout vs (1+4)*30ms*2 = 300ms
			name:    "Timeout shorter than latency window",
			params:  ConnParams{Interval: 24, Latency: 4, Timeout: 10},
			wantErr: true,
		},
		{
			// exactly (1+0)*50ms*2 = 100ms is not enough
			name:    "Timeout equal to minimum",
			params:  ConnParams{Interval: 40, Latency: 0, Timeout: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestControlPayloadLengths(t *testing.T) {
	pdus := []Control{
		&ConnectionUpdateInd{WinSize: 1, Params: DefaultConnParams(), At: 10},
		&ChannelMapInd{Map: AllChannels(), At: 10},
		&TerminateInd{Reason: ErrRemoteUserTerminated},
		&UnknownRsp{UnknownType: 0x30},
		&FeatureExchange{Op: OpFeatureReq},
		&FeatureExchange{Op: OpFeatureRsp},
		&FeatureExchange{Op: OpPeripheralFeatureReq},
		&VersionInd{Version: 0x0C, CompanyID: 0x000D, SubVersion: 1},
		&RejectInd{Reason: ErrUnsupportedRemoteFeature},
		&RejectExtInd{RejectOpcode: OpPHYReq, Reason: ErrLLProcedureCollision},
		&ConnectionParam{Op: OpConnectionParamReq},
		&ConnectionParam{Op: OpConnectionParamRsp},
		&Ping{Op: OpPingReq},
		&Ping{Op: OpPingRsp},
		&Length{Op: OpLengthReq, MaxRxOctets: 251},
		&Length{Op: OpLengthRsp},
		&PHYPreference{Op: OpPHYReq, TxPHYs: PHY2M, RxPHYs: PHY2M},
		&PHYPreference{Op: OpPHYRsp},
		&PHYUpdateInd{CentralToPeripheral: PHY2M, At: 99},
		&MinUsedChannelsInd{PHYs: PHY1M, MinUsed: 2},
	}

	for _, p := range pdus {
		encoded := p.Encode()
		if encoded[0] != p.Opcode() {
			t.Errorf("%s: first byte 0x%02X is not the opcode", OpcodeName(p.Opcode()), encoded[0])
		}
		if want := PayloadLengths[p.Opcode()]; len(encoded) != want {
			t.Errorf("%s: encoded %d bytes, want %d", OpcodeName(p.Opcode()), len(encoded), want)
		}
		decoded, err := DecodeControl(encoded)
		if err != nil {
			t.Errorf("%s: decode: %v", OpcodeName(p.Opcode()), err)
			continue
		}
		if !bytes.Equal(decoded.Encode(), encoded) {
			t.Errorf("%s: re-encode differs", OpcodeName(p.Opcode()))
		}
	}
}

func TestConnectionUpdateIndLayout(t *testing.T) {
	p := &ConnectionUpdateInd{
		WinSize:   2,
		WinOffset: 0x0102,
		Params:    ConnParams{Interval: 0x0028, Latency: 0x0004, Timeout: 0x0258},
		At:        counter.Event(0xBEEF),
	}
	want := []byte{0x00, 0x02, 0x02, 0x01, 0x28, 0x00, 0x04, 0x00, 0x58, 0x02, 0xEF, 0xBE}
	if got := p.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("Encode = % X, want % X", got, want)
	}
}

func TestDecodeControlErrors(t *testing.T) {
	if _, err := DecodeControl([]byte{0x30}); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("unknown opcode: got %v", err)
	}
	if _, err := DecodeControl([]byte{OpEncReq}); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("unsupported encryption opcode: got %v", err)
	}
	if _, err := DecodeControl([]byte{OpTerminateInd}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short terminate: got %v", err)
	}
	if _, err := DecodeControl([]byte{OpPingReq, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("long ping: got %v", err)
	}
	if _, err := DecodeControl(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty payload: got %v", err)
	}
}

func TestProcedureClasses(t *testing.T) {
	if ProcedureOf(OpPHYReq) != ProcedureOf(OpPHYUpdateInd) {
		t.Error("PHY_REQ and PHY_UPDATE_IND belong to the same procedure")
	}
	if ProcedureOf(OpFeatureReq) != ProcFeatureExchange || ProcedureOf(OpPeripheralFeatureReq) != ProcFeatureExchange {
		t.Error("feature request opcodes belong to feature exchange")
	}
	if rsp, ok := ResponseOpcode(OpPingReq); !ok || rsp != OpPingRsp {
		t.Error("PING_REQ expects PING_RSP")
	}
	if _, ok := ResponseOpcode(OpChannelMapInd); ok {
		t.Error("CHANNEL_MAP_IND expects no response")
	}
	for _, op := range []uint8{OpConnectionUpdateInd, OpConnectionParamReq, OpChannelMapInd, OpPHYReq} {
		if !ProcedureOf(op).TakesInstant() {
			t.Errorf("%s should take an instant", OpcodeName(op))
		}
	}
	for _, op := range []uint8{OpFeatureReq, OpVersionInd, OpPingReq, OpLengthReq, OpTerminateInd} {
		if ProcedureOf(op).TakesInstant() {
			t.Errorf("%s takes no instant", OpcodeName(op))
		}
	}
}

func TestLLDataLayout(t *testing.T) {
	d := &LLData{
		AccessAddress: 0x8E89BED6,
		CRCInit:       0x555555,
		WinSize:       2,
		WinOffset:     0,
		Params:        DefaultConnParams(),
		ChannelMap:    AllChannels(),
		Hop:           7,
		SCA:           5,
	}
	encoded := d.Encode()
	if len(encoded) != LLDataLen {
		t.Fatalf("LLData is %d bytes, want %d", len(encoded), LLDataLen)
	}
	if encoded[21] != 7|5<<5 {
		t.Fatalf("hop/sca byte = 0x%02X", encoded[21])
	}
	decoded, err := DecodeLLData(encoded)
	if err != nil {
		t.Fatalf("DecodeLLData: %v", err)
	}
	if *decoded != *d {
		t.Fatalf("decoded %+v, want %+v", decoded, d)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	d.Hop = 4
	if err := d.Validate(); err == nil {
		t.Fatal("hop 4 should be rejected")
	}
}

func TestConnectIndChSel(t *testing.T) {
	c := &ConnectInd{ChSel: true, TxAdd: true, Data: LLData{WinSize: 1, Params: DefaultConnParams(), ChannelMap: AllChannels(), Hop: 9}}
	encoded := c.Encode()
	if len(encoded) != 2+ConnectIndPayloadLen {
		t.Fatalf("encoded %d bytes", len(encoded))
	}
	if encoded[0] != PDUTypeConnectInd|0x20|0x40 {
		t.Fatalf("header byte 0 = 0x%02X", encoded[0])
	}
	decoded, err := DecodeConnectInd(encoded)
	if err != nil {
		t.Fatalf("DecodeConnectInd: %v", err)
	}
	if !decoded.ChSel || !decoded.TxAdd || decoded.RxAdd {
		t.Fatalf("header bits lost: %+v", decoded)
	}
}

func TestAdvertisingPDU(t *testing.T) {
	data, err := EncodeADStructures([]ADStructure{
		NewFlagsAD(FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported),
		NewCompleteLocalNameAD("llsim"),
	}, MaxLegacyAdvDataLen)
	if err != nil {
		t.Fatalf("EncodeADStructures: %v", err)
	}

	p := &AdvertisingPDU{Type: PDUTypeAdvInd, ChSel: true, AdvData: data}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeAdvertisingPDU(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.ChSel {
		t.Error("ChSel bit lost")
	}
	structures, err := DecodeADStructures(decoded.AdvData)
	if err != nil {
		t.Fatalf("DecodeADStructures: %v", err)
	}
	if name := GetLocalName(structures); name != "llsim" {
		t.Errorf("local name = %q", name)
	}

	if _, err := EncodeADStructures([]ADStructure{{Type: ADTypeManufacturerSpecificData, Data: make([]byte, 40)}}, MaxLegacyAdvDataLen); err == nil {
		t.Error("oversized legacy data accepted")
	}
}

func TestAirtime(t *testing.T) {
	tests := []struct {
		mode Mode
		n    int
		want int
	}{
		{Mode1M, 0, 80},
		{Mode1M, 37, 376},
		{Mode2M, 27, 152},
		{ModeCodedS8, 255, 17040},
		{ModeCodedS2, 0, 462},
	}
	for _, tt := range tests {
		if got := Airtime(tt.mode, tt.n); got != tt.want {
			t.Errorf("Airtime(%s, %d) = %d, want %d", tt.mode, tt.n, got, tt.want)
		}
	}
}

func TestChannelMapUpdateAD(t *testing.T) {
	m := NewChannelMap(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)
	data, err := EncodeADStructures([]ADStructure{
		NewFlagsAD(0x06),
		NewChannelMapUpdateAD(m, 0x0123),
	}, MaxPayloadLen)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x08, 0x28, 0xFF, 0x0F, 0x00, 0x00, 0x00, 0x23, 0x01}
	if !bytes.Equal(data[3:], want) {
		t.Fatalf("ACAD = % X, want % X", data[3:], want)
	}
	structures, err := DecodeADStructures(append(data, 0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	got, instant, ok := GetChannelMapUpdate(structures)
	if !ok || got != m || instant != 0x0123 {
		t.Fatalf("GetChannelMapUpdate = %s, %s, %v", got, instant, ok)
	}
	if _, _, ok := GetChannelMapUpdate(structures[:1]); ok {
		t.Fatal("update found in flags only")
	}
}

func TestValidAccessAddress(t *testing.T) {
	tests := []struct {
		name string
		aa   uint32
		want bool
	}{
		{"random", 0x5A3C96E1, true},
		{"advertising", AdvertisingAccessAddress, false},
		{"one bit from advertising", 0x8E89BED7, false},
		{"equal octets", 0x0B0B0B0B, false},
		{"seven zeros", 0x4E0396B1, false},
		{"seven ones", 0xA2FE5C38, false},
		{"too many transitions", 0x6AAA8B2D, false},
		{"flat top six bits", 0x7E3C96E1, false},
		{"two ones in low octet", 0x5A3C9681, false},
		{"busy low half", 0x5A3CAAB5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidAccessAddress(tt.aa); got != tt.want {
				t.Errorf("ValidAccessAddress(0x%08X) = %v, want %v", tt.aa, got, tt.want)
			}
		})
	}
}

func TestNewAccessAddressRedraws(t *testing.T) {
	draws := []uint32{AdvertisingAccessAddress, 0x0B0B0B0B, 0x4E0396B1, 0x5A3C96E1, 0x71764129}
	n := 0
	next := func() uint32 {
		v := draws[n]
		n++
		return v
	}
	if aa := NewAccessAddress(next); aa != 0x5A3C96E1 || n != 4 {
		t.Fatalf("NewAccessAddress = 0x%08X after %d draws", aa, n)
	}
}
