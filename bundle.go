package realtime

// bundleWith merges src into dest when both target the same channel with the
// same MESSAGE or PRESENCE action, the merged payload stays within maxSize,
// every entry shares one client id and none carries an explicit id.
func bundleWith(dest, src *ProtocolMessage, maxSize int) bool {
	if dest.Channel != src.Channel || dest.Action != src.Action {
		return false
	}

	switch dest.Action {
	case ActionMessage:
		proposed := append(append([]*Message(nil), dest.Messages...), src.Messages...)
		if !messagesBundleable(proposed, maxSize) {
			return false
		}
		dest.Messages = proposed
		return true
	case ActionPresence:
		proposed := append(append([]*PresenceMessage(nil), dest.Presence...), src.Presence...)
		if !presenceBundleable(proposed, maxSize) {
			return false
		}
		dest.Presence = proposed
		return true
	}
	return false
}

func messagesBundleable(msgs []*Message, maxSize int) bool {
	size := 0
	for _, m := range msgs {
		if m.ID != "" || m.ClientID != msgs[0].ClientID {
			return false
		}
		size += m.size()
	}
	return size <= maxSize
}

func presenceBundleable(msgs []*PresenceMessage, maxSize int) bool {
	size := 0
	for _, m := range msgs {
		if m.ID != "" || m.ClientID != msgs[0].ClientID {
			return false
		}
		size += m.size()
	}
	return size <= maxSize
}
