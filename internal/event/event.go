// Package event defines the JSON control-frame vocabulary shared by all
// services and their clients.
//
// Every text frame on the wire is a flat JSON object tagged by an "event"
// field. Decode parses a frame once into its typed variant; handlers then
// switch on the concrete type. Encode renders a variant back into a tagged
// frame. Binary frames (call audio) never pass through this package.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Group labels for the two user cohorts.
const (
	GroupSales     = "sales"
	GroupCustomers = "customers"
)

// Tags as they appear on the wire.
const (
	TagRegister      = "register"
	TagCallUser      = "call_user"
	TagAcceptCall    = "accept_call"
	TagCallAccepted  = "call_accepted"
	TagCallRejected  = "call_rejected"
	TagCallEnded     = "call_ended"
	TagHangUp        = "hang_up"
	TagLogout        = "logout"
	TagPing          = "ping"
	TagPong          = "pong"
	TagSetCookie     = "set_cookie"
	TagUserStatus    = "user_status"
	TagIncomingCall  = "incoming_call"
	TagError         = "error"
	TagTranscription = "transcription"
	TagInsight       = "insight"
)

// ErrUnknownEvent reports a frame whose tag is not part of the vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

// ErrMalformed reports a frame that is not a JSON object.
var ErrMalformed = errors.New("malformed frame")

// ValidGroup reports whether g names one of the two cohorts.
func ValidGroup(g string) bool {
	return g == GroupSales || g == GroupCustomers
}

// OppositeGroup returns the cohort a call from g must target.
func OppositeGroup(g string) string {
	if g == GroupSales {
		return GroupCustomers
	}
	return GroupSales
}

// Event is a decoded control frame. Each variant reports its wire tag.
type Event interface {
	Tag() string
}

// Register announces a client on a service channel.
// Language is only meaningful to the transcription service.
type Register struct {
	Group    string `json:"group,omitempty"`
	Username string `json:"username,omitempty"`
	Language string `json:"language,omitempty"`
}

func (Register) Tag() string { return TagRegister }

// CallUser asks the signaling service to ring another user.
type CallUser struct {
	CallID    string `json:"call_id,omitempty"`
	ToUser    string `json:"to_user,omitempty"`
	FromGroup string `json:"from_group,omitempty"`
	FromUser  string `json:"from_user,omitempty"`
}

func (CallUser) Tag() string { return TagCallUser }

// AcceptCall is the callee's answer to an incoming call.
type AcceptCall struct {
	CallID   string `json:"call_id,omitempty"`
	Language string `json:"language,omitempty"`
}

func (AcceptCall) Tag() string { return TagAcceptCall }

// CallAccepted tells the caller (and, via fan-out, the media services) that a
// call is live.
type CallAccepted struct {
	CallID      string `json:"call_id,omitempty"`
	FromUser    string `json:"from_user,omitempty"`
	ToUser      string `json:"to_user,omitempty"`
	CallerGroup string `json:"caller_group,omitempty"`
	CalleeGroup string `json:"callee_group,omitempty"`
	Language    string `json:"language,omitempty"`
}

func (CallAccepted) Tag() string { return TagCallAccepted }

// CallRejected declines a ringing call, inbound from the callee and fanned
// out to the media services.
type CallRejected struct {
	CallID string `json:"call_id,omitempty"`
}

func (CallRejected) Tag() string { return TagCallRejected }

// CallEnded tells both parties and the media services that a call is over.
type CallEnded struct {
	CallID string `json:"call_id,omitempty"`
}

func (CallEnded) Tag() string { return TagCallEnded }

// HangUp ends an active call from either side.
type HangUp struct {
	CallID string `json:"call_id,omitempty"`
}

func (HangUp) Tag() string { return TagHangUp }

// Logout removes a user's registration. Inbound from a client the username
// is implied by the channel; on the fan-out links it is carried explicitly.
type Logout struct {
	Username string `json:"username,omitempty"`
}

func (Logout) Tag() string { return TagLogout }

// Ping is a client liveness probe. The timestamp is opaque and echoed
// verbatim in the pong.
type Ping struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func (Ping) Tag() string { return TagPing }

// Pong answers a ping.
type Pong struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func (Pong) Tag() string { return TagPong }

// SetCookie confirms a registration with the session identifier
// "<group>_<username>".
type SetCookie struct {
	SessionID string `json:"session_id,omitempty"`
}

func (SetCookie) Tag() string { return TagSetCookie }

// UserStatus is the presence broadcast: every online username per cohort.
type UserStatus struct {
	Sales     []string `json:"sales"`
	Customers []string `json:"customers"`
}

func (UserStatus) Tag() string { return TagUserStatus }

// IncomingCall rings the callee.
type IncomingCall struct {
	CallID   string `json:"call_id,omitempty"`
	FromUser string `json:"from_user,omitempty"`
}

func (IncomingCall) Tag() string { return TagIncomingCall }

// Error is a validation or conflict reply; the channel it is sent on stays
// open.
type Error struct {
	Message string `json:"message,omitempty"`
}

func (Error) Tag() string { return TagError }

// Transcription carries one recognized text span to the sales participant.
type Transcription struct {
	CallID  string `json:"call_id,omitempty"`
	Group   string `json:"group,omitempty"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func (Transcription) Tag() string { return TagTranscription }

// Insight carries model commentary on a customer final to the sales
// participant.
type Insight struct {
	CallID string `json:"call_id,omitempty"`
	Text   string `json:"text"`
}

func (Insight) Tag() string { return TagInsight }

// Decode parses one control frame into its typed variant; the result is a
// pointer to the variant (e.g. *Register). The error wraps ErrMalformed for
// non-object frames and ErrUnknownEvent for tags outside the vocabulary.
func Decode(data []byte) (Event, error) {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("event: %w: %v", ErrMalformed, err)
	}

	var v Event
	switch env.Event {
	case TagRegister:
		v = &Register{}
	case TagCallUser:
		v = &CallUser{}
	case TagAcceptCall:
		v = &AcceptCall{}
	case TagCallAccepted:
		v = &CallAccepted{}
	case TagCallRejected:
		v = &CallRejected{}
	case TagCallEnded:
		v = &CallEnded{}
	case TagHangUp:
		v = &HangUp{}
	case TagLogout:
		v = &Logout{}
	case TagPing:
		v = &Ping{}
	case TagPong:
		v = &Pong{}
	case TagSetCookie:
		v = &SetCookie{}
	case TagUserStatus:
		v = &UserStatus{}
	case TagIncomingCall:
		v = &IncomingCall{}
	case TagError:
		v = &Error{}
	case TagTranscription:
		v = &Transcription{}
	case TagInsight:
		v = &Insight{}
	default:
		return nil, fmt.Errorf("event: %w: %q", ErrUnknownEvent, env.Event)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", env.Event, err)
	}
	return v, nil
}

// Encode renders a variant as a tagged frame. The tag always wins over any
// "event" key the payload might marshal.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", ev.Tag(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", ev.Tag(), err)
	}
	fields["event"] = ev.Tag()
	return json.Marshal(fields)
}

// MustEncode is Encode for frames built from typed variants, where a marshal
// failure is a programming error.
func MustEncode(ev Event) []byte {
	data, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return data
}
