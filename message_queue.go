package realtime

// PendingMessage is an outbound frame waiting to be sent or acknowledged.
type PendingMessage struct {
	Message *ProtocolMessage

	callbacks     []func(err *ErrorInfo)
	ackRequired   bool
	sendAttempted bool
	merged        bool
	completed     bool
}

func newPendingMessage(msg *ProtocolMessage, onComplete func(err *ErrorInfo)) *PendingMessage {
	pm := &PendingMessage{
		Message:     msg,
		ackRequired: msg.ackRequired(),
	}
	if onComplete != nil {
		pm.callbacks = append(pm.callbacks, onComplete)
	}
	return pm
}

// addCallback attaches the completion of a message merged into this one.
func (pm *PendingMessage) addCallback(onComplete func(err *ErrorInfo)) {
	pm.merged = true
	if onComplete != nil {
		pm.callbacks = append(pm.callbacks, onComplete)
	}
}

// take marks the message completed and returns its callbacks. A message
// that was already completed yields nothing.
func (pm *PendingMessage) take() []func(err *ErrorInfo) {
	if pm.completed {
		return nil
	}
	pm.completed = true
	cbs := pm.callbacks
	pm.callbacks = nil
	return cbs
}

// MessageQueue is a FIFO of pending messages. Completion callbacks are
// handed to deliver, which runs them off the owner's goroutine.
type MessageQueue struct {
	messages []*PendingMessage
	deliver  func(func())
	logger   Logger
	idle     []func()
}

func newMessageQueue(logger Logger, deliver func(func())) *MessageQueue {
	return &MessageQueue{logger: logger, deliver: deliver}
}

func (q *MessageQueue) count() int {
	return len(q.messages)
}

func (q *MessageQueue) push(pm *PendingMessage) {
	q.messages = append(q.messages, pm)
}

func (q *MessageQueue) shift() *PendingMessage {
	if len(q.messages) == 0 {
		return nil
	}
	pm := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return pm
}

func (q *MessageQueue) last() *PendingMessage {
	if len(q.messages) == 0 {
		return nil
	}
	return q.messages[len(q.messages)-1]
}

func (q *MessageQueue) copyAll() []*PendingMessage {
	return append([]*PendingMessage(nil), q.messages...)
}

// prepend puts msgs ahead of everything queued, keeping their order.
func (q *MessageQueue) prepend(msgs []*PendingMessage) {
	q.messages = append(append([]*PendingMessage(nil), msgs...), q.messages...)
}

// completeMessages completes the entries covering [serial, serial+count)
// with err, starting from the head. Acks for serials already completed are
// ignored. A range that starts past the head, skips a serial or runs past
// the last pending serial is a protocol violation and is returned as an
// error; the contiguous part at the head is still completed.
func (q *MessageQueue) completeMessages(serial int64, count int, err *ErrorInfo) *ErrorInfo {
	q.logger.Printf(LogDebug, "protocol", "completing messages serial=%d count=%d err=%v", serial, count, err)
	if len(q.messages) == 0 {
		q.logger.Printf(LogDebug, "protocol", "ack for serial %d with nothing pending", serial)
		return nil
	}

	start, ok := q.messages[0].Message.Serial()
	if !ok {
		return protocolError("Ack for serial %d while head message has no serial", serial)
	}
	end := serial + int64(count)
	if serial > start {
		return protocolError("Ack gap: received serial %d, expected %d", serial, start)
	}
	if end <= start {
		return nil
	}

	var violation *ErrorInfo
	n := int(end - start)
	if n > len(q.messages) {
		violation = protocolError("Ack for serials up to %d exceeds pending messages", end-1)
		n = len(q.messages)
	}
	done := 0
	for i := 0; i < n; i++ {
		s, ok := q.messages[i].Message.Serial()
		if !ok || s != start+int64(i) {
			violation = protocolError("Pending messages are not contiguous at serial %d", start+int64(i))
			break
		}
		done++
	}

	completed := q.messages[:done]
	q.messages = append([]*PendingMessage(nil), q.messages[done:]...)
	for _, pm := range completed {
		q.complete(pm, err)
	}
	q.checkIdle()
	return violation
}

// completeAllMessages completes every entry with err and empties the queue.
func (q *MessageQueue) completeAllMessages(err *ErrorInfo) {
	msgs := q.clear()
	for _, pm := range msgs {
		q.complete(pm, err)
	}
	q.checkIdle()
}

func (q *MessageQueue) complete(pm *PendingMessage, err *ErrorInfo) {
	cbs := pm.take()
	if len(cbs) == 0 {
		return
	}
	q.deliver(func() {
		for _, cb := range cbs {
			cb(err)
		}
	})
}

// resetSendAttempted forces fresh serial assignment on the next send.
func (q *MessageQueue) resetSendAttempted() {
	for _, pm := range q.messages {
		pm.sendAttempted = false
	}
}

func (q *MessageQueue) clear() []*PendingMessage {
	msgs := q.messages
	q.messages = nil
	return msgs
}

// onceIdle runs fn the next time the queue drains, immediately if empty.
func (q *MessageQueue) onceIdle(fn func()) {
	if len(q.messages) == 0 {
		fn()
		return
	}
	q.idle = append(q.idle, fn)
}

func (q *MessageQueue) checkIdle() {
	if len(q.messages) > 0 || len(q.idle) == 0 {
		return
	}
	waiters := q.idle
	q.idle = nil
	for _, fn := range waiters {
		fn()
	}
}
