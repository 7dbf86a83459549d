package logstream

import "strings"

// maxPartial is the longest unterminated line kept before it is stored as a
// line of its own.
const maxPartial = 64 << 10

// lineRing keeps the most recent complete lines of a stream plus any
// trailing partial line.
type lineRing struct {
	buf     []string
	start   int
	count   int
	partial string
}

func newLineRing(capacity int) *lineRing {
	if capacity < 0 {
		capacity = 0
	}
	return &lineRing{buf: make([]string, capacity)}
}

func (r *lineRing) reset() {
	clear(r.buf)
	r.start, r.count, r.partial = 0, 0, ""
}

func (r *lineRing) write(chunk string) {
	text := r.partial + chunk
	r.partial = ""
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			break
		}
		r.push(text[:i+1])
		text = text[i+1:]
	}
	if len(text) > maxPartial {
		r.push(text)
		text = ""
	}
	r.partial = text
}

func (r *lineRing) push(line string) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n of the newest lines, a trailing partial line
// counting as one.
func (r *lineRing) last(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	complete := n
	if r.partial != "" {
		complete--
	}
	complete = min(complete, r.count, len(r.buf))
	for i := r.count - complete; i < r.count; i++ {
		b.WriteString(r.buf[(r.start+i)%len(r.buf)])
	}
	if r.partial != "" {
		b.WriteString(r.partial)
	}
	return b.String()
}
