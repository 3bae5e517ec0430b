package realtime

import (
	"sync"
)

type channelCallback func(msg *ProtocolMessage)

type channelBinding struct {
	channel  string
	callback channelCallback
}

// ChannelRouter is a ChannelHandler that fans inbound frames out to
// callbacks bound per channel name and remembers the last channelSerial
// seen on each channel for recovery.
type ChannelRouter struct {
	mu           sync.RWMutex
	refGenerator *atomicRef
	bindings     map[Ref]*channelBinding
	serials      map[string]string
	interrupted  map[Ref]func(state ConnectionState, reason *ErrorInfo)
	logger       Logger
}

func NewChannelRouter(logger Logger) *ChannelRouter {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &ChannelRouter{
		refGenerator: newAtomicRef(),
		bindings:     make(map[Ref]*channelBinding),
		serials:      make(map[string]string),
		interrupted:  make(map[Ref]func(ConnectionState, *ErrorInfo)),
		logger:       logger,
	}
}

// On calls callback for every inbound frame on channel. An empty channel
// matches frames that carry no channel, such as connection-level ERRORs.
func (r *ChannelRouter) On(channel string, callback func(msg *ProtocolMessage)) (bindingRef Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bindingRef = r.refGenerator.nextRef()
	r.bindings[bindingRef] = &channelBinding{
		channel:  channel,
		callback: callback,
	}
	return
}

// OnInterrupted calls callback whenever the connection enters a state in
// which nothing can be sent.
func (r *ChannelRouter) OnInterrupted(callback func(state ConnectionState, reason *ErrorInfo)) (bindingRef Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bindingRef = r.refGenerator.nextRef()
	r.interrupted[bindingRef] = callback
	return
}

// Off removes the callback for the given bindingRef, as returned by On or
// OnInterrupted.
func (r *ChannelRouter) Off(bindingRef Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bindings, bindingRef)
	delete(r.interrupted, bindingRef)
}

// Clear removes all bindings for the given channel
func (r *ChannelRouter) Clear(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ref, binding := range r.bindings {
		if binding.channel == channel {
			delete(r.bindings, ref)
		}
	}
}

// Serial returns the last channelSerial seen on channel.
func (r *ChannelRouter) Serial(channel string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.serials[channel]
}

func (r *ChannelRouter) OnInboundMessage(msg *ProtocolMessage) {
	r.mu.Lock()
	if msg.Channel != "" && msg.ChannelSerial != "" {
		r.serials[msg.Channel] = msg.ChannelSerial
	}
	var callbacks []channelCallback
	for _, binding := range r.bindings {
		if binding.channel == msg.Channel {
			callbacks = append(callbacks, binding.callback)
		}
	}
	r.mu.Unlock()

	if len(callbacks) == 0 {
		r.logger.Printf(LogDebug, "channel", "no bindings for %s on channel %q", msg.Action, msg.Channel)
	}
	for _, cb := range callbacks {
		cb(msg)
	}
}

func (r *ChannelRouter) OnConnectionInterrupted(state ConnectionState, reason *ErrorInfo) {
	r.mu.RLock()
	callbacks := make([]func(ConnectionState, *ErrorInfo), 0, len(r.interrupted))
	for _, cb := range r.interrupted {
		callbacks = append(callbacks, cb)
	}
	r.mu.RUnlock()

	for _, cb := range callbacks {
		cb(state, reason)
	}
}

func (r *ChannelRouter) ChannelSerials() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.serials))
	for k, v := range r.serials {
		out[k] = v
	}
	return out
}

// RecoverChannels seeds the serials carried by a recovery token.
func (r *ChannelRouter) RecoverChannels(serials map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range serials {
		r.serials[k] = v
	}
}
