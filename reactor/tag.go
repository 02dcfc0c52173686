//go:build linux

package reactor

import (
	"fmt"
	"math"
)

//Kind of request a completion belongs to.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindListener
	KindConsole
	KindRecv
	KindSend
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindConsole:
		return "console"
	case KindRecv:
		return "recv"
	case KindSend:
		return "send"
	case KindCancel:
		return "cancel"
	}
	return "unknown"
}

//Tag user_data of a request: kind in the high 32 bits, descriptor in the low 32 bits.
type Tag uint64

// expected fd real size is int32
func NewTag(kind Kind, fd int) Tag {
	return Tag(uint64(kind)<<32 | uint64(uint32(fd)))
}

func (t Tag) Kind() Kind {
	k := Kind(t >> 32)
	if k > KindCancel {
		return KindUnknown
	}
	return k
}

func (t Tag) Fd() int {
	return int(int32(uint64(t) & math.MaxUint32))
}

func (t Tag) String() string {
	return fmt.Sprintf("%s(%d)", t.Kind(), t.Fd())
}
