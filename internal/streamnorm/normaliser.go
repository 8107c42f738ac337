package streamnorm

import (
	"bytes"
)

// Normaliser incrementally decodes a byte stream of newline-delimited JSON
// objects into canonical Events. Framing: one object per newline; a partial
// line (no trailing \n yet) is buffered until more bytes arrive.
type Normaliser struct {
	dialect Dialect
	partial []byte
}

// New creates a Normaliser bound to a single dialect for the lifetime of
// the agent it serves.
func New(dialect Dialect) *Normaliser {
	return &Normaliser{dialect: dialect}
}

// Feed appends newly-read bytes from the child's stdout and returns every
// canonical event produced by the newly completed lines, in the order their
// source bytes arrived. Malformed lines produce an Error event and do not
// stop processing of subsequent lines.
func (n *Normaliser) Feed(chunk []byte) []Event {
	n.partial = append(n.partial, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(n.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(n.partial[:idx])
		n.partial = n.partial[idx+1:]

		if len(line) == 0 {
			continue
		}
		events = append(events, n.parseLine(line)...)
	}
	return events
}

// Flush processes any remaining buffered partial line (called when the
// child's stdout is closed, in case the final line lacked a trailing \n).
func (n *Normaliser) Flush() []Event {
	line := bytes.TrimSpace(n.partial)
	n.partial = nil
	if len(line) == 0 {
		return nil
	}
	return n.parseLine(line)
}

func (n *Normaliser) parseLine(line []byte) []Event {
	events, err := n.dialect.Parse(line)
	if err != nil {
		return []Event{{Kind: KindError, Detail: err.Error()}}
	}
	return events
}
