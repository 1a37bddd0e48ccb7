package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/fanbridge/pkg/state"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "state message",
			msgType: TypeStateUpdate,
			data:    state.Initial(time.Now()),
			wantErr: false,
		},
		{
			name:    "mode request",
			msgType: TypeChangeMode,
			data:    ModeRequest{Mode: "MANUAL"},
			wantErr: false,
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
			wantErr: false,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeError,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestStateMessageWireFormat(t *testing.T) {
	raw := 5831
	s := state.SystemState{
		Distance:      100,
		RawSensorTime: &raw,
		FanStatus:     state.FanOn,
		HumanDetected: true,
		Mode:          state.ModeAuto,
		Timestamp:     1_700_000_000_000,
	}

	msg, err := NewStateMessage(s)
	if err != nil {
		t.Fatalf("NewStateMessage() error = %v", err)
	}
	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	// Dashboards read these exact field names.
	var wire struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if wire.Type != "stateUpdate" {
		t.Errorf("type = %q, want stateUpdate", wire.Type)
	}
	for _, key := range []string{"distance", "rawSensorTime", "fanStatus", "humanDetected", "mode", "timestamp"} {
		if _, ok := wire.Data[key]; !ok {
			t.Errorf("state payload missing %q", key)
		}
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	got, err := parsed.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got.FanStatus != state.FanOn || got.Distance != 100 || *got.RawSensorTime != 5831 {
		t.Errorf("GetState() = %+v", got)
	}
}

func TestRawSensorTimeOmittedWhenUnset(t *testing.T) {
	msg, _ := NewStateMessage(state.Initial(time.Now()))
	if strings.Contains(string(msg.Data), "rawSensorTime") {
		t.Error("rawSensorTime should be omitted when no TIME: reading was seen")
	}
}

func TestGettersRejectWrongType(t *testing.T) {
	msg, _ := NewMessage(TypePing, nil)

	if _, err := msg.GetState(); err == nil {
		t.Error("GetState should fail on ping")
	}
	if _, err := msg.GetModeRequest(); err == nil {
		t.Error("GetModeRequest should fail on ping")
	}
	if _, err := msg.GetFanRequest(); err == nil {
		t.Error("GetFanRequest should fail on ping")
	}
	if _, err := msg.GetVisionUpdate(); err == nil {
		t.Error("GetVisionUpdate should fail on ping")
	}
	if _, err := msg.GetErrorData(); err == nil {
		t.Error("GetErrorData should fail on ping")
	}
}

func TestClientRequests(t *testing.T) {
	mode, _ := NewChangeModeMessage(state.ModeManual)
	req, err := mode.GetModeRequest()
	if err != nil {
		t.Fatalf("GetModeRequest() error = %v", err)
	}
	if req.Mode != "MANUAL" {
		t.Errorf("Mode = %q, want MANUAL", req.Mode)
	}

	fan, _ := NewControlFanMessage(state.FanOn)
	freq, err := fan.GetFanRequest()
	if err != nil {
		t.Fatalf("GetFanRequest() error = %v", err)
	}
	if freq.Action != "ON" {
		t.Errorf("Action = %q, want ON", freq.Action)
	}
}

func TestVisionUpdatePayload(t *testing.T) {
	data := []byte(`{"type":"visionUpdate","data":{"humanDetected":true,"confidence":0.8,"timestamp":1700000000000}}`)
	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	upd, err := msg.GetVisionUpdate()
	if err != nil {
		t.Fatalf("GetVisionUpdate() error = %v", err)
	}
	if upd.HumanDetected == nil || !*upd.HumanDetected {
		t.Error("HumanDetected should be true")
	}
	if upd.Confidence == nil || *upd.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", upd.Confidence)
	}
	if upd.Timestamp == nil || *upd.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %v", upd.Timestamp)
	}
}

func TestErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(TypeControlFan, errors.New("control: fan can only be controlled in MANUAL mode"))
	if err != nil {
		t.Fatalf("NewErrorMessage() error = %v", err)
	}
	data, err := msg.GetErrorData()
	if err != nil {
		t.Fatalf("GetErrorData() error = %v", err)
	}
	if data.Request != TypeControlFan {
		t.Errorf("Request = %s, want controlFan", data.Request)
	}
	if data.Error == "" {
		t.Error("Error text should be set")
	}
}

func TestPongMessage(t *testing.T) {
	msg, err := NewPongMessage("abc", 1000, 1042)
	if err != nil {
		t.Fatalf("NewPongMessage() error = %v", err)
	}
	var pong PongData
	if err := msg.ParseData(&pong); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if pong.LatencyMs != 42 {
		t.Errorf("LatencyMs = %d, want 42", pong.LatencyMs)
	}
}

func TestParseMessageInvalid(t *testing.T) {
	if _, err := ParseMessage([]byte("{not json")); err == nil {
		t.Error("ParseMessage should fail on invalid JSON")
	}
}
