package realtime

// ChannelHandler is implemented by the channel layer. All methods except
// ChannelSerials are called from the manager's dispatch goroutine, one at a
// time and in order; OnInboundMessage is not called again until the
// previous call returned.
type ChannelHandler interface {
	OnInboundMessage(msg *ProtocolMessage)
	// OnConnectionInterrupted reports a state in which no messages can be
	// queued or sent (suspended, closing, closed, failed).
	OnConnectionInterrupted(state ConnectionState, reason *ErrorInfo)
	// ChannelSerials is called from CreateRecoveryToken's caller goroutine.
	ChannelSerials() map[string]string
	RecoverChannels(serials map[string]string)
}

// ChannelHandlerFuncs adapts plain functions to ChannelHandler. Nil fields
// are skipped.
type ChannelHandlerFuncs struct {
	Inbound     func(msg *ProtocolMessage)
	Interrupted func(state ConnectionState, reason *ErrorInfo)
	Serials     func() map[string]string
	Recover     func(serials map[string]string)
}

func (f ChannelHandlerFuncs) OnInboundMessage(msg *ProtocolMessage) {
	if f.Inbound != nil {
		f.Inbound(msg)
	}
}

func (f ChannelHandlerFuncs) OnConnectionInterrupted(state ConnectionState, reason *ErrorInfo) {
	if f.Interrupted != nil {
		f.Interrupted(state, reason)
	}
}

func (f ChannelHandlerFuncs) ChannelSerials() map[string]string {
	if f.Serials != nil {
		return f.Serials()
	}
	return nil
}

func (f ChannelHandlerFuncs) RecoverChannels(serials map[string]string) {
	if f.Recover != nil {
		f.Recover(serials)
	}
}
