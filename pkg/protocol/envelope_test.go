package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		from    string
		payload any
		wantErr bool
	}{
		{
			name:    "beacon message",
			msgType: TypeBeacon,
			from:    "peer1",
			payload: Beacon{
				PeerID:       "peer1",
				DeviceName:   "laptop",
				Capabilities: []string{string(TransportQUIC), string(TransportWebSocket)},
				ListenPort:   47200,
			},
			wantErr: false,
		},
		{
			name:    "error message",
			msgType: TypeError,
			from:    "peer2",
			payload: Error{
				Code:    "TRUST_DENIED",
				Message: "peer is not in the allowlist",
			},
			wantErr: false,
		},
		{
			name:    "nil payload",
			msgType: TypePing,
			from:    "peer3",
			payload: nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.from, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnvelope() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.From != tt.from {
				t.Errorf("NewEnvelope() From = %s, want %s", env.From, tt.from)
			}
			if env.MsgID == "" {
				t.Errorf("NewEnvelope() MsgID is empty")
			}
			if err := env.ValidateBasic(); err != nil {
				t.Errorf("ValidateBasic() = %v", err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	beacon := Beacon{
		PeerID:       "abcdef0123",
		DeviceName:   "desk-machine",
		Capabilities: []string{string(TransportQUIC), string(TransportWebRTC), string(TransportUDP)},
		ListenPort:   47201,
		Fingerprint:  "A1B2C3D4",
	}

	env, err := NewEnvelope(TypeBeacon, beacon.PeerID, beacon)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := decoded.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}

	var got Beacon
	if err := decoded.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.PeerID != beacon.PeerID || got.DeviceName != beacon.DeviceName {
		t.Fatalf("beacon mismatch: got %+v", got)
	}
	if len(got.Capabilities) != 3 {
		t.Fatalf("capabilities mismatch: got %v", got.Capabilities)
	}
}

func TestValidateBasicRejects(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"wrong version", Envelope{V: 99, Type: TypePing, MsgID: "x"}},
		{"missing type", Envelope{V: ProtocolVersion, MsgID: "x"}},
		{"missing msg_id", Envelope{V: ProtocolVersion, Type: TypePing}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.ValidateBasic(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := Envelope{V: ProtocolVersion, Type: TypePing, MsgID: "a"}
	var out Ping
	if err := env.DecodePayload(&out); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestValidStreamKind(t *testing.T) {
	for _, kind := range []StreamKind{StreamKindCamera, StreamKindScreen, StreamKindAudio} {
		if !ValidStreamKind(kind) {
			t.Errorf("ValidStreamKind(%q) = false", kind)
		}
	}
	if ValidStreamKind("hologram") {
		t.Errorf("ValidStreamKind(hologram) = true")
	}
}

func TestNewMsgIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 16 {
			t.Fatalf("msg id length = %d, want 16", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate msg id %s", id)
		}
		seen[id] = true
	}
}
