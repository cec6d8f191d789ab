package pipeline

import (
	"strings"

	"github.com/kalambet/crucible/internal/tools"
)

type scanState int

const (
	stateForwarding scanState = iota
	stateBuffering
)

type marker struct {
	open, close string
}

// Opening markers and the closer each one expects after it.
var markers = []marker{
	{open: tools.BlockOpen, close: tools.BlockClose},
	{open: "```tool\n", close: tools.BlockClose},
	{open: "<tool_call>", close: "</tool_call>"},
}

// segment is one unit of scanner output: text to forward, or a complete
// tool block with its parsed call.
type segment struct {
	text string
	raw  string
	call *tools.Call
}

// fenceScanner finds tool blocks in a token stream. While Forwarding it
// passes text through but holds back any suffix that could be the start of
// an opening marker. While Buffering it collects the block and searches
// only newly arrived bytes, with an overlap of one closer length, for a
// closer after which the block parses.
type fenceScanner struct {
	state  scanState
	held   string
	block  strings.Builder
	active marker
	// scanned is the block offset up to which closers have been ruled out.
	scanned int
	// firstClose is the block offset just past the first closer that did
	// not complete a parseable block, or zero.
	firstClose int
}

// feed consumes a chunk and returns the segments it completes, in order.
func (s *fenceScanner) feed(chunk string) []segment {
	var out []segment
	in := chunk
	for in != "" {
		switch s.state {
		case stateForwarding:
			buf := s.held + in
			in = ""
			i, m := earliestOpen(buf)
			if i < 0 {
				keep := holdBack(buf)
				s.held = buf[len(buf)-keep:]
				if text := buf[:len(buf)-keep]; text != "" {
					out = append(out, segment{text: text})
				}
				continue
			}
			s.held = ""
			if i > 0 {
				out = append(out, segment{text: buf[:i]})
			}
			s.state = stateBuffering
			s.active = m
			s.reset()
			s.block.WriteString(m.open)
			s.scanned = len(m.open)
			in = buf[i+len(m.open):]
			if in == "" {
				// Nothing after the marker yet.
				return out
			}
		case stateBuffering:
			s.block.WriteString(in)
			in = ""
			seg, rest, ok := s.scanBlock()
			if !ok {
				continue
			}
			out = append(out, seg)
			s.state = stateForwarding
			in = rest
		}
	}
	return out
}

// scanBlock looks for a closer in the unscanned tail of the block. On a
// parseable block it returns the segment and any text after the closer.
// A block that cannot parse is released as plain text, with forwarding
// resuming after its first closer, once its body is a finished JSON value or
// a new opening marker follows that closer.
func (s *fenceScanner) scanBlock() (segment, string, bool) {
	text := s.block.String()
	closer := s.active.close
	from := s.scanned - (len(closer) - 1)
	if from < len(s.active.open) {
		from = len(s.active.open)
	}
	for from <= len(text)-len(closer) {
		j := strings.Index(text[from:], closer)
		if j < 0 {
			break
		}
		end := from + j + len(closer)
		if s.firstClose > 0 && opensAfter(text[s.firstClose:end]) {
			return s.release(text, s.firstClose)
		}
		body := text[len(s.active.open) : end-len(closer)]
		if c := tools.ParseBody(body); c != nil {
			s.reset()
			return segment{raw: text[:end], call: c}, text[end:], true
		}
		if s.firstClose == 0 {
			s.firstClose = end
		}
		if !jsonUnclosed(body) {
			return s.release(text, end)
		}
		from = end
	}
	if s.firstClose > 0 && opensAfter(text[s.firstClose:]) {
		return s.release(text, s.firstClose)
	}
	s.scanned = len(text)
	return segment{}, "", false
}

// release gives up on the current block: text up to end is forwarded and
// the remainder is scanned again.
func (s *fenceScanner) release(text string, end int) (segment, string, bool) {
	s.reset()
	return segment{text: text[:end]}, text[end:], true
}

func (s *fenceScanner) reset() {
	s.block.Reset()
	s.scanned = 0
	s.firstClose = 0
}

func opensAfter(text string) bool {
	i, _ := earliestOpen(text)
	return i >= 0
}

// jsonUnclosed reports whether body starts a JSON object or array that is
// still open at its end, in which case a closer seen after it may belong to
// a string value.
func jsonUnclosed(body string) bool {
	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return false
	}
	depth, inStr, esc := 0, false, false
	for i := start; i < len(body); i++ {
		c := body[i]
		switch {
		case esc:
			esc = false
		case inStr:
			if c == '\\' {
				esc = true
			} else if c == '"' {
				inStr = false
			}
		case c == '"':
			inStr = true
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return false
			}
		}
	}
	return true
}

// flush returns whatever text the scanner still holds, including an
// unterminated block, and resets it.
func (s *fenceScanner) flush() string {
	var rest string
	if s.state == stateBuffering {
		rest = s.block.String()
	} else {
		rest = s.held
	}
	s.state = stateForwarding
	s.held = ""
	s.reset()
	return rest
}

func earliestOpen(buf string) (int, marker) {
	best, bm := -1, marker{}
	for _, m := range markers {
		if i := strings.Index(buf, m.open); i >= 0 && (best < 0 || i < best) {
			best, bm = i, m
		}
	}
	return best, bm
}

// holdBack returns the length of the longest suffix of buf that is a proper
// prefix of an opening marker.
func holdBack(buf string) int {
	keep := 0
	for _, m := range markers {
		n := len(m.open) - 1
		if n > len(buf) {
			n = len(buf)
		}
		for ; n > keep; n-- {
			if strings.HasSuffix(buf, m.open[:n]) {
				keep = n
				break
			}
		}
	}
	return keep
}
