package realtime

import (
	"strings"
	"testing"
)

func TestBundleWith(t *testing.T) {
	tests := []struct {
		name string
		dest *ProtocolMessage
		src  *ProtocolMessage
		max  int
		want bool
	}{
		{
			name: "same channel",
			dest: messageFrame("a", "one"),
			src:  messageFrame("a", "two"),
			max:  defaultMaxMessageSize,
			want: true,
		},
		{
			name: "different channel",
			dest: messageFrame("a", "one"),
			src:  messageFrame("b", "two"),
			max:  defaultMaxMessageSize,
		},
		{
			name: "different action",
			dest: messageFrame("a", "one"),
			src:  &ProtocolMessage{Action: ActionPresence, Channel: "a", Presence: []*PresenceMessage{{ClientID: "c"}}},
			max:  defaultMaxMessageSize,
		},
		{
			name: "not a data frame",
			dest: &ProtocolMessage{Action: ActionAttach, Channel: "a"},
			src:  &ProtocolMessage{Action: ActionAttach, Channel: "a"},
			max:  defaultMaxMessageSize,
		},
		{
			name: "too large",
			dest: &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{Data: strings.Repeat("x", 60)}}},
			src:  &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{Data: strings.Repeat("y", 60)}}},
			max:  100,
		},
		{
			name: "explicit id",
			dest: messageFrame("a", "one"),
			src:  &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{ID: "m1", Name: "two"}}},
			max:  defaultMaxMessageSize,
		},
		{
			name: "mixed client ids",
			dest: &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{ClientID: "alice"}}},
			src:  &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{ClientID: "bob"}}},
			max:  defaultMaxMessageSize,
		},
		{
			name: "presence",
			dest: &ProtocolMessage{Action: ActionPresence, Channel: "a", Presence: []*PresenceMessage{{ClientID: "c", Data: "x"}}},
			src:  &ProtocolMessage{Action: ActionPresence, Channel: "a", Presence: []*PresenceMessage{{ClientID: "c", Data: "y"}}},
			max:  defaultMaxMessageSize,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(tt.dest.Messages) + len(tt.dest.Presence)
			got := bundleWith(tt.dest, tt.src, tt.max)
			if got != tt.want {
				t.Fatalf("bundleWith: got %t, want %t", got, tt.want)
			}
			after := len(tt.dest.Messages) + len(tt.dest.Presence)
			if got && after != before+len(tt.src.Messages)+len(tt.src.Presence) {
				t.Fatalf("entries not merged: %d -> %d", before, after)
			}
			if !got && after != before {
				t.Fatalf("dest modified although bundling was refused")
			}
		})
	}
}

func TestBundleSizeIncludesNamesAndExtras(t *testing.T) {
	dest := &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{{Name: strings.Repeat("n", 40)}}}
	src := &ProtocolMessage{Action: ActionMessage, Channel: "a", Messages: []*Message{
		{Name: "x", Extras: map[string]any{"headers": map[string]any{"k": strings.Repeat("v", 40)}}},
	}}
	if bundleWith(dest, src, 80) {
		t.Fatalf("extras were not counted towards the size limit")
	}
}
