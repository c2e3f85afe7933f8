package kobold

import (
	"bytes"
	"encoding/json"
	"strings"
)

var eventDelimiter = []byte("\n\n")

// eventSplitter reassembles "\n\n"-delimited events from arbitrary chunks.
type eventSplitter struct {
	buf []byte
}

// Feed appends chunk and returns every event completed by it, in order.
func (s *eventSplitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)
	var events [][]byte
	for {
		i := bytes.Index(s.buf, eventDelimiter)
		if i < 0 {
			break
		}
		ev := make([]byte, i)
		copy(ev, s.buf[:i])
		events = append(events, ev)
		s.buf = s.buf[i+len(eventDelimiter):]
	}
	return events
}

// Flush returns the unterminated tail and resets the splitter.
func (s *eventSplitter) Flush() []byte {
	tail := bytes.TrimSpace(s.buf)
	s.buf = nil
	if len(tail) == 0 {
		return nil
	}
	return tail
}

// parseToken extracts the token from the first "data: " line of an event.
// Events without a data line yield ("", false, nil).
func parseToken(event []byte) (string, bool, error) {
	for _, line := range strings.Split(string(event), "\n") {
		line = strings.TrimSuffix(line, "\r")
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return "", true, err
		}
		return msg.Token, true, nil
	}
	return "", false, nil
}
