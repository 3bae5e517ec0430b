package realtime

import (
	"strconv"
	"sync/atomic"
)

type Ref uint64

func (r Ref) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

type atomicRef struct {
	ref atomic.Uint64
}

func newAtomicRef() *atomicRef {
	return &atomicRef{}
}

func (ic *atomicRef) nextRef() Ref {
	return Ref(ic.ref.Add(1))
}

// transportRefs numbers transports across all managers for log correlation.
var transportRefs = newAtomicRef()
