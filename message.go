package realtime

import (
	"encoding/json"
	"strconv"
	"time"
)

// Action is the integer tag of a ProtocolMessage.
type Action int

const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
	ActionActivate     Action = 18
)

var actionNames = [...]string{
	"HEARTBEAT", "ACK", "NACK", "CONNECT", "CONNECTED", "DISCONNECT", "DISCONNECTED",
	"CLOSE", "CLOSED", "ERROR", "ATTACH", "ATTACHED", "DETACH", "DETACHED",
	"PRESENCE", "MESSAGE", "SYNC", "AUTH", "ACTIVATE",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
}

func (a Action) known() bool {
	return a >= ActionHeartbeat && a <= ActionActivate
}

// Flag is the channel flags bitmask carried by ATTACH/ATTACHED.
type Flag int64

const (
	FlagHasPresence       Flag = 1 << 0
	FlagHasBacklog        Flag = 1 << 1
	FlagResumed           Flag = 1 << 2
	FlagTransient         Flag = 1 << 4
	FlagAttachResume      Flag = 1 << 5
	FlagPresence          Flag = 1 << 16
	FlagPublish           Flag = 1 << 17
	FlagSubscribe         Flag = 1 << 18
	FlagPresenceSubscribe Flag = 1 << 19
)

// Message is a single application message inside a MESSAGE frame.
type Message struct {
	ID           string         `json:"id,omitempty" cbor:"id,omitempty"`
	ClientID     string         `json:"clientId,omitempty" cbor:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	Name         string         `json:"name,omitempty" cbor:"name,omitempty"`
	Data         any            `json:"data,omitempty" cbor:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty" cbor:"encoding,omitempty"`
	Extras       map[string]any `json:"extras,omitempty" cbor:"extras,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// PresenceMessage is a single member update inside a PRESENCE or SYNC frame.
type PresenceMessage struct {
	ID           string         `json:"id,omitempty" cbor:"id,omitempty"`
	Action       int            `json:"action" cbor:"action"`
	ClientID     string         `json:"clientId,omitempty" cbor:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	Data         any            `json:"data,omitempty" cbor:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty" cbor:"encoding,omitempty"`
	Extras       map[string]any `json:"extras,omitempty" cbor:"extras,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// ConnectionDetails are the capabilities the server declares in CONNECTED.
// Durations are carried in milliseconds on the wire.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty" cbor:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty" cbor:"connectionKey,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty" cbor:"connectionStateTtl,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty" cbor:"maxIdleInterval,omitempty"`
	MaxMessageSize     int    `json:"maxMessageSize,omitempty" cbor:"maxMessageSize,omitempty"`
	MaxFrameSize       int    `json:"maxFrameSize,omitempty" cbor:"maxFrameSize,omitempty"`
	MaxInboundRate     int    `json:"maxInboundRate,omitempty" cbor:"maxInboundRate,omitempty"`
	ServerID           string `json:"serverId,omitempty" cbor:"serverId,omitempty"`
}

func (d *ConnectionDetails) stateTTL() time.Duration {
	return time.Duration(d.ConnectionStateTTL) * time.Millisecond
}

func (d *ConnectionDetails) maxIdle() time.Duration {
	return time.Duration(d.MaxIdleInterval) * time.Millisecond
}

// AuthDetails carries a renewed access token in an AUTH frame.
type AuthDetails struct {
	AccessToken string `json:"accessToken,omitempty" cbor:"accessToken,omitempty"`
}

// ProtocolMessage is the wire envelope exchanged with the service.
type ProtocolMessage struct {
	Action            Action             `json:"action" cbor:"action"`
	ID                string             `json:"id,omitempty" cbor:"id,omitempty"`
	Channel           string             `json:"channel,omitempty" cbor:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty" cbor:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	ConnectionKey     string             `json:"connectionKey,omitempty" cbor:"connectionKey,omitempty"`
	MsgSerial         *int64             `json:"msgSerial,omitempty" cbor:"msgSerial,omitempty"`
	Count             int                `json:"count,omitempty" cbor:"count,omitempty"`
	Messages          []*Message         `json:"messages,omitempty" cbor:"messages,omitempty"`
	Presence          []*PresenceMessage `json:"presence,omitempty" cbor:"presence,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty" cbor:"error,omitempty"`
	Flags             Flag               `json:"flags,omitempty" cbor:"flags,omitempty"`
	Params            map[string]string  `json:"params,omitempty" cbor:"params,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty" cbor:"connectionDetails,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty" cbor:"auth,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// Serial returns the message serial and whether one has been assigned.
func (m *ProtocolMessage) Serial() (int64, bool) {
	if m.MsgSerial == nil {
		return 0, false
	}
	return *m.MsgSerial, true
}

func (m *ProtocolMessage) setSerial(serial int64) {
	m.MsgSerial = &serial
}

// HasFlag reports whether f is set on the message.
func (m *ProtocolMessage) HasFlag(f Flag) bool {
	return m.Flags&f != 0
}

// ackRequired reports whether the server acknowledges frames of this action.
func (m *ProtocolMessage) ackRequired() bool {
	return m.Action == ActionMessage || m.Action == ActionPresence
}

func (m *ProtocolMessage) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return m.Action.String()
	}
	return m.Action.String() + " " + string(data)
}

// size approximates the encoded payload size the service counts against
// the maximum message size: names, client ids, data and extras.
func (m *Message) size() int {
	return len(m.Name) + len(m.ClientID) + payloadSize(m.Data) + extrasSize(m.Extras)
}

func (p *PresenceMessage) size() int {
	return len(p.ClientID) + payloadSize(p.Data) + extrasSize(p.Extras)
}

func payloadSize(data any) int {
	switch d := data.(type) {
	case nil:
		return 0
	case string:
		return len(d)
	case []byte:
		return len(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return 0
		}
		return len(b)
	}
}

func extrasSize(extras map[string]any) int {
	if len(extras) == 0 {
		return 0
	}
	b, err := json.Marshal(extras)
	if err != nil {
		return 0
	}
	return len(b)
}

// payloadSize returns the total size of the messages or presence entries the
// frame carries.
func (m *ProtocolMessage) payloadSize() int {
	total := 0
	for _, msg := range m.Messages {
		total += msg.size()
	}
	for _, p := range m.Presence {
		total += p.size()
	}
	return total
}
