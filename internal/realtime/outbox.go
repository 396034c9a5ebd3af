package realtime

import (
	"errors"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// errFrameDropped reports that a perishable frame was discarded instead of queued.
var errFrameDropped = errors.New("realtime: perishable frame dropped")

type outboundFrame struct {
	envelope protocol.Envelope
	channel  ChannelID
	tempID   string
}

func (f outboundFrame) perishable() bool {
	return f.envelope.Type.Perishable()
}

// outbox buffers frames produced while the transport is not connected.
// When full, the oldest perishable frame makes room; critical frames are never
// evicted.
type outbox struct {
	capacity int
	frames   []outboundFrame
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity}
}

func (o *outbox) len() int {
	return len(o.frames)
}

func (o *outbox) push(frame outboundFrame) error {
	if len(o.frames) >= o.capacity {
		if !o.evictPerishable() {
			if frame.perishable() {
				return errFrameDropped
			}
			return ErrOutboxFull
		}
	}
	o.frames = append(o.frames, frame)
	return nil
}

func (o *outbox) evictPerishable() bool {
	for index, frame := range o.frames {
		if frame.perishable() {
			o.removeAt(index)
			return true
		}
	}
	return false
}

// prepend puts frames back at the head in their original order. It may push
// the buffer past capacity; frames that were already accepted are not lost.
func (o *outbox) prepend(frames []outboundFrame) {
	if len(frames) == 0 {
		return
	}
	merged := make([]outboundFrame, 0, len(frames)+len(o.frames))
	merged = append(merged, frames...)
	merged = append(merged, o.frames...)
	o.frames = merged
}

func (o *outbox) drain() []outboundFrame {
	frames := o.frames
	o.frames = nil
	return frames
}

func (o *outbox) dropPerishable(channel ChannelID) int {
	return o.filter(func(frame outboundFrame) bool {
		return !(frame.channel == channel && frame.perishable())
	})
}

func (o *outbox) dropType(frameType protocol.Type) int {
	return o.filter(func(frame outboundFrame) bool {
		return frame.envelope.Type != frameType
	})
}

func (o *outbox) dropSend(tempID string) int {
	if tempID == "" {
		return 0
	}
	return o.filter(func(frame outboundFrame) bool {
		return frame.tempID != tempID
	})
}

func (o *outbox) hasCritical(channel ChannelID) bool {
	for _, frame := range o.frames {
		if frame.channel == channel && !frame.perishable() {
			return true
		}
	}
	return false
}

func (o *outbox) clear() {
	o.frames = nil
}

func (o *outbox) filter(keep func(outboundFrame) bool) int {
	kept := o.frames[:0]
	removed := 0
	for _, frame := range o.frames {
		if keep(frame) {
			kept = append(kept, frame)
			continue
		}
		removed++
	}
	for index := len(kept); index < len(o.frames); index++ {
		o.frames[index] = outboundFrame{}
	}
	o.frames = kept
	return removed
}

func (o *outbox) removeAt(index int) {
	copy(o.frames[index:], o.frames[index+1:])
	o.frames[len(o.frames)-1] = outboundFrame{}
	o.frames = o.frames[:len(o.frames)-1]
}
