package isotp

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/trace"
)

const maxPreallocate = 4096

// Options tunes reassembly.
type Options struct {
	// StrictSequence drops an in-progress message when a consecutive frame
	// carries an unexpected sequence number. Off by default: consecutive
	// frames are appended in arrival order without checking the counter.
	StrictSequence bool
	Logger         *slog.Logger
}

type pending struct {
	msg     Message
	nextSeq byte
}

// Reassembler tracks at most one in-progress message per CAN identifier.
// A Reassembler serves a single decode run and is not safe for concurrent
// use.
type Reassembler struct {
	opts    Options
	log     *slog.Logger
	pending map[uint32]*pending
	stats   Stats
}

func NewReassembler(opts Options) *Reassembler {
	log := opts.Logger
	if log == nil {
		log = common.Logger()
	}
	return &Reassembler{opts: opts, log: log, pending: make(map[uint32]*pending)}
}

// Feed consumes one frame and returns the message it completed, if any.
func (r *Reassembler) Feed(f trace.Frame) (Message, bool) {
	r.stats.Frames++
	if len(f.Data) == 0 {
		r.stats.Ignored++
		return Message{}, false
	}
	switch f.Data[0] >> 4 {
	case TypeSingle:
		r.stats.Single++
		return r.single(f), true
	case TypeFirst:
		r.stats.First++
		return r.first(f)
	case TypeConsecutive:
		r.stats.Consecutive++
		return r.consecutive(f)
	case TypeFlowControl:
		r.stats.FlowControl++
	default:
		r.stats.Ignored++
	}
	return Message{}, false
}

func (r *Reassembler) single(f trace.Frame) Message {
	length := int(f.Data[0] & 0x0F)
	offset := 1
	if length == 0 && len(f.Data) >= 2 {
		length = int(f.Data[1])
		offset = 2
	}
	end := offset + length
	if end > len(f.Data) {
		end = len(f.Data)
	}
	msg := newMessage(f, length, offset, end-offset)
	msg.Payload = append(msg.Payload, f.Data[offset:end]...)
	r.stats.Completed++
	return msg
}

func (r *Reassembler) first(f trace.Frame) (Message, bool) {
	if len(f.Data) < 2 {
		r.stats.Ignored++
		return Message{}, false
	}
	expected := int(f.Data[0]&0x0F)<<8 | int(f.Data[1])
	offset := 2
	if expected == 0 && len(f.Data) >= 6 {
		expected = int(binary.BigEndian.Uint32(f.Data[2:6]))
		offset = 6
	}
	if _, ok := r.pending[f.ID]; ok {
		r.stats.Overwritten++
		r.log.Debug("first frame replaces in-progress message", "id", hexID(f.ID), "line", f.LineNumber)
	}
	// Completion is only checked on consecutive frames, so a first frame
	// always waits for at least one of them.
	p := &pending{msg: newMessage(f, expected, offset, len(f.Data)-offset), nextSeq: 1}
	p.msg.Payload = append(p.msg.Payload, f.Data[offset:]...)
	r.pending[f.ID] = p
	return Message{}, false
}

func (r *Reassembler) consecutive(f trace.Frame) (Message, bool) {
	p, ok := r.pending[f.ID]
	if !ok {
		r.stats.Orphans++
		r.log.Debug("consecutive frame without first frame", "id", hexID(f.ID), "line", f.LineNumber)
		return Message{}, false
	}
	seq := f.Data[0] & 0x0F
	if r.opts.StrictSequence && seq != p.nextSeq {
		r.stats.SequenceErrors++
		r.log.Debug("sequence gap, dropping message", "id", hexID(f.ID), "line", f.LineNumber, "want", p.nextSeq, "got", seq)
		delete(r.pending, f.ID)
		return Message{}, false
	}
	p.nextSeq = (p.nextSeq + 1) & 0x0F
	p.msg.Payload = append(p.msg.Payload, f.Data[1:]...)
	p.msg.Lines = append(p.msg.Lines, sourceLine(f, 1, len(f.Data)-1))
	p.msg.End = f.Timestamp
	if !p.msg.Complete() {
		return Message{}, false
	}
	delete(r.pending, f.ID)
	return r.finish(p), true
}

func (r *Reassembler) finish(p *pending) Message {
	if len(p.msg.Payload) > p.msg.ExpectedLength {
		p.msg.Payload = p.msg.Payload[:p.msg.ExpectedLength]
	}
	r.stats.Completed++
	return p.msg
}

func sourceLine(f trace.Frame, start, n int) SourceLine {
	return SourceLine{
		Raw:          f.RawLine,
		Number:       f.LineNumber,
		Data:         append([]byte(nil), f.Data...),
		PayloadStart: start,
		PayloadBytes: n,
	}
}

func newMessage(f trace.Frame, expected, start, n int) Message {
	capacity := expected
	if capacity > maxPreallocate {
		capacity = maxPreallocate
	}
	return Message{
		ID:             f.ID,
		Payload:        make([]byte, 0, capacity),
		ExpectedLength: expected,
		Lines:          []SourceLine{sourceLine(f, start, n)},
		Start:          f.Timestamp,
		End:            f.Timestamp,
	}
}

// Decode feeds frames in order and returns the completed messages in the
// order their last frame was seen.
func (r *Reassembler) Decode(frames []trace.Frame) []Message {
	var out []Message
	for _, f := range frames {
		if msg, ok := r.Feed(f); ok {
			out = append(out, msg)
		}
	}
	if n := len(r.pending); n > 0 {
		r.log.Debug("incomplete messages left at end of trace", "count", n)
	}
	return out
}

// InProgress returns a copy of the message being assembled for id.
func (r *Reassembler) InProgress(id uint32) (Message, bool) {
	p, ok := r.pending[id]
	if !ok {
		return Message{}, false
	}
	return p.msg.clone(), true
}

// Pending is the number of identifiers with a message in progress.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

func (r *Reassembler) Stats() Stats {
	return r.stats
}

// Decode reassembles frames with default options.
func Decode(frames []trace.Frame) []Message {
	return NewReassembler(Options{}).Decode(frames)
}

func hexID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}
