package realtime

// Protocol wraps the active transport and tracks the frames sent over it
// that still await an ACK or NACK.
type Protocol struct {
	transport Transport
	queue     *MessageQueue
	logger    Logger
}

func newProtocol(t Transport, logger Logger, deliver func(func())) *Protocol {
	return &Protocol{
		transport: t,
		queue:     newMessageQueue(logger, deliver),
		logger:    logger,
	}
}

func (p *Protocol) Transport() Transport {
	return p.transport
}

func (p *Protocol) send(pm *PendingMessage) error {
	if pm.ackRequired {
		p.queue.push(pm)
	}
	pm.sendAttempted = true
	p.logger.Printf(LogDebug, "protocol", "sending %s on transport %s", pm.Message.Action, p.transport.ID())
	return p.transport.Send(pm.Message)
}

// onAck returns an error when the range does not match the pending queue.
func (p *Protocol) onAck(serial int64, count int) *ErrorInfo {
	return p.queue.completeMessages(serial, count, nil)
}

func (p *Protocol) onNack(serial int64, count int, err *ErrorInfo) *ErrorInfo {
	if err == nil {
		err = unknownChannelError()
	}
	p.logger.Printf(LogWarning, "protocol", "nack serial=%d count=%d: %v", serial, count, err)
	return p.queue.completeMessages(serial, count, err)
}

func (p *Protocol) onceIdle(fn func()) {
	p.queue.onceIdle(fn)
}

func (p *Protocol) pendingMessages() []*PendingMessage {
	return p.queue.copyAll()
}

func (p *Protocol) clearPendingMessages() []*PendingMessage {
	return p.queue.clear()
}

// finish disconnects the transport once every pending frame is acknowledged.
func (p *Protocol) finish() {
	t := p.transport
	p.onceIdle(func() {
		t.Disconnect(nil)
	})
}
