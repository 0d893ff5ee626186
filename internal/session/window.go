package session

// Entry is one visited page held in the context window.
type Entry struct {
	Page int    `json:"page"` // 0-based
	Text string `json:"text"`
}

// window is a bounded FIFO of visited pages. Revisits are appended again.
type window struct {
	entries []Entry
	size    int
}

func newWindow(size int) *window {
	return &window{entries: make([]Entry, 0, size), size: size}
}

func (w *window) push(e Entry) {
	if len(w.entries) == w.size {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:len(w.entries)-1]
	}
	w.entries = append(w.entries, e)
}

func (w *window) snapshot() []Entry {
	return append([]Entry(nil), w.entries...)
}

func (w *window) pages() []int {
	out := make([]int, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.Page
	}
	return out
}
