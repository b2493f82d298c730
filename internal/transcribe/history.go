package transcribe

import "github.com/loqalabs/flowstt/internal/protocol"

// history is a fixed-size ring of the most recent results.
type history struct {
	buf   []protocol.TranscriptionResult
	start int
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	return &history{buf: make([]protocol.TranscriptionResult, size)}
}

func (h *history) push(r protocol.TranscriptionResult) {
	idx := (h.start + h.count) % len(h.buf)
	h.buf[idx] = r
	if h.count < len(h.buf) {
		h.count++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// recent returns up to limit results, oldest first. limit <= 0 means all.
func (h *history) recent(limit int) []protocol.TranscriptionResult {
	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]protocol.TranscriptionResult, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}
