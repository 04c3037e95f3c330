package event_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/crosstalkhq/crosstalk/internal/event"
)

// ---- Decode ----

func TestDecode_Register(t *testing.T) {
	ev, err := event.Decode([]byte(`{"event":"register","group":"sales","username":"alice","language":"en"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reg, ok := ev.(*event.Register)
	if !ok {
		t.Fatalf("expected *Register, got %T", ev)
	}
	if reg.Group != "sales" || reg.Username != "alice" || reg.Language != "en" {
		t.Errorf("unexpected payload: %+v", reg)
	}
}

func TestDecode_CallUser(t *testing.T) {
	ev, err := event.Decode([]byte(`{"event":"call_user","call_id":"c1","to_user":"bob","from_group":"sales","from_user":"alice"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cu, ok := ev.(*event.CallUser)
	if !ok {
		t.Fatalf("expected *CallUser, got %T", ev)
	}
	if cu.CallID != "c1" || cu.ToUser != "bob" || cu.FromGroup != "sales" || cu.FromUser != "alice" {
		t.Errorf("unexpected payload: %+v", cu)
	}
}

func TestDecode_CallAccepted(t *testing.T) {
	ev, err := event.Decode([]byte(`{"event":"call_accepted","call_id":"c1","from_user":"alice","to_user":"bob","caller_group":"sales","callee_group":"customers","language":"ja"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ca, ok := ev.(*event.CallAccepted)
	if !ok {
		t.Fatalf("expected *CallAccepted, got %T", ev)
	}
	if ca.CallerGroup != "sales" || ca.CalleeGroup != "customers" || ca.Language != "ja" {
		t.Errorf("unexpected payload: %+v", ca)
	}
}

func TestDecode_UserStatus(t *testing.T) {
	ev, err := event.Decode([]byte(`{"event":"user_status","sales":["alice"],"customers":["bob","carol"]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	us, ok := ev.(*event.UserStatus)
	if !ok {
		t.Fatalf("expected *UserStatus, got %T", ev)
	}
	if len(us.Sales) != 1 || len(us.Customers) != 2 {
		t.Errorf("unexpected payload: %+v", us)
	}
}

func TestDecode_AllTags(t *testing.T) {
	cases := []struct {
		frame string
		want  string
	}{
		{`{"event":"register"}`, event.TagRegister},
		{`{"event":"call_user"}`, event.TagCallUser},
		{`{"event":"accept_call"}`, event.TagAcceptCall},
		{`{"event":"call_accepted"}`, event.TagCallAccepted},
		{`{"event":"call_rejected"}`, event.TagCallRejected},
		{`{"event":"call_ended"}`, event.TagCallEnded},
		{`{"event":"hang_up"}`, event.TagHangUp},
		{`{"event":"logout"}`, event.TagLogout},
		{`{"event":"ping"}`, event.TagPing},
		{`{"event":"pong"}`, event.TagPong},
		{`{"event":"set_cookie"}`, event.TagSetCookie},
		{`{"event":"user_status"}`, event.TagUserStatus},
		{`{"event":"incoming_call"}`, event.TagIncomingCall},
		{`{"event":"error"}`, event.TagError},
		{`{"event":"transcription"}`, event.TagTranscription},
		{`{"event":"insight"}`, event.TagInsight},
	}
	for _, tc := range cases {
		ev, err := event.Decode([]byte(tc.frame))
		if err != nil {
			t.Errorf("Decode(%s): %v", tc.frame, err)
			continue
		}
		if ev.Tag() != tc.want {
			t.Errorf("Decode(%s): tag %q, want %q", tc.frame, ev.Tag(), tc.want)
		}
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	_, err := event.Decode([]byte(`{"event":"teleport"}`))
	if !errors.Is(err, event.ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecode_MissingTag(t *testing.T) {
	_, err := event.Decode([]byte(`{"call_id":"c1"}`))
	if !errors.Is(err, event.ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent for untagged object, got %v", err)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := event.Decode([]byte(`{not json`))
	if !errors.Is(err, event.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_NonObject(t *testing.T) {
	_, err := event.Decode([]byte(`"hello"`))
	if !errors.Is(err, event.ErrMalformed) {
		t.Errorf("expected ErrMalformed for non-object, got %v", err)
	}
}

// ---- Encode ----

func TestEncode_TagsFrame(t *testing.T) {
	data, err := event.Encode(event.SetCookie{SessionID: "sales_alice"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "set_cookie" {
		t.Errorf("expected event tag set_cookie, got %v", m["event"])
	}
	if m["session_id"] != "sales_alice" {
		t.Errorf("expected session_id, got %v", m["session_id"])
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	in := event.Transcription{CallID: "c1", Group: "customers", Text: "hello there", IsFinal: true}
	data, err := event.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ev, err := event.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, ok := ev.(*event.Transcription)
	if !ok {
		t.Fatalf("expected *Transcription, got %T", ev)
	}
	if *out != in {
		t.Errorf("round trip mismatch: %+v vs %+v", *out, in)
	}
}

func TestEncode_EmptyStatusKeepsCohortKeys(t *testing.T) {
	// The presence broadcast always carries both arrays, even when empty.
	data, err := event.Encode(event.UserStatus{Sales: []string{}, Customers: []string{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["sales"]; !ok {
		t.Error("expected sales key")
	}
	if _, ok := m["customers"]; !ok {
		t.Error("expected customers key")
	}
}

func TestPing_TimestampEchoedVerbatim(t *testing.T) {
	ev, err := event.Decode([]byte(`{"event":"ping","timestamp":1712345678901}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ping := ev.(*event.Ping)

	data, err := event.Encode(event.Pong{Timestamp: ping.Timestamp})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m["timestamp"]) != "1712345678901" {
		t.Errorf("expected timestamp echoed verbatim, got %s", m["timestamp"])
	}
}

// ---- groups ----

func TestValidGroup(t *testing.T) {
	if !event.ValidGroup("sales") || !event.ValidGroup("customers") {
		t.Error("expected both cohorts to be valid")
	}
	if event.ValidGroup("admins") || event.ValidGroup("") {
		t.Error("expected unknown groups to be invalid")
	}
}

func TestOppositeGroup(t *testing.T) {
	if got := event.OppositeGroup("sales"); got != "customers" {
		t.Errorf("opposite of sales: got %q", got)
	}
	if got := event.OppositeGroup("customers"); got != "sales" {
		t.Errorf("opposite of customers: got %q", got)
	}
}
