package sseframe

import "strings"

const dataLabel = "data:"

// state is the Extractor's position relative to a data field.
type state int

const (
	// stateIdle: no label is waiting for its value.
	stateIdle state = iota
	// stateAwaitingValue: the previous qualifying line was a bare "data:" label.
	stateAwaitingValue
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingValue:
		return "awaiting_value"
	default:
		return "unknown"
	}
}

// lineClass is the classification of one trimmed line.
type lineClass int

const (
	classIgnorable lineClass = iota // blank or ":" comment
	classLabel                      // "data:" with no value (or only whitespace)
	classLabeled                    // "data:" followed by a value
	classStructured                 // unlabeled line starting with '{' or '['
	classOther                      // any other field or text
)

// classify trims line and returns its class and, for classLabeled and
// classStructured, the payload.
func classify(line string) (lineClass, string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "" || trimmed[0] == ':':
		return classIgnorable, ""
	case strings.HasPrefix(trimmed, dataLabel):
		value := strings.TrimSpace(trimmed[len(dataLabel):])
		if value == "" {
			return classLabel, ""
		}
		return classLabeled, value
	case trimmed[0] == '{' || trimmed[0] == '[':
		return classStructured, trimmed
	default:
		return classOther, ""
	}
}

// transition handles one line class and reports the record to emit, if any.
type transition func(e *Extractor, payload string) (string, bool)

var transitions = [...]transition{
	classIgnorable:  (*Extractor).onIgnorable,
	classLabel:      (*Extractor).onLabel,
	classLabeled:    (*Extractor).onLabeled,
	classStructured: (*Extractor).onStructured,
	classOther:      (*Extractor).onOther,
}

// Extractor turns a line sequence into normalized "data: <payload>\n" records.
// Only the data field is reframed; all other SSE fields are dropped.
//
// Some upstreams put the "data:" label and its JSON value on separate lines.
// A bare label followed by a line starting with '{' or '[' is reunited into a
// single record. Reassembly is keyed purely on line adjacency.
type Extractor struct {
	state   state
	dropped int
}

// Line consumes one complete line and returns the record it produces, if any.
func (e *Extractor) Line(line string) (string, bool) {
	class, payload := classify(line)
	return transitions[class](e, payload)
}

// Pending reports whether a bare label is waiting for its value.
func (e *Extractor) Pending() bool { return e.state == stateAwaitingValue }

// Finish ends the input. A label still waiting for its value is discarded
// without a record. Finish reports whether that happened.
func (e *Extractor) Finish() bool {
	if e.state != stateAwaitingValue {
		return false
	}
	e.discard()
	return true
}

// Dropped returns the number of bare labels discarded without a record.
func (e *Extractor) Dropped() int { return e.dropped }

func (e *Extractor) onIgnorable(string) (string, bool) { return "", false }

// onLabel sets the pending state. A second bare label in a row keeps it set.
func (e *Extractor) onLabel(string) (string, bool) {
	e.state = stateAwaitingValue
	return "", false
}

// onLabeled emits the value. A pending bare label is discarded.
func (e *Extractor) onLabeled(value string) (string, bool) {
	if e.state == stateAwaitingValue {
		e.discard()
	}
	return record(value), true
}

// onStructured pairs a structured value with the pending label.
func (e *Extractor) onStructured(value string) (string, bool) {
	if e.state != stateAwaitingValue {
		return "", false
	}
	e.state = stateIdle
	return record(value), true
}

func (e *Extractor) onOther(string) (string, bool) { return "", false }

func (e *Extractor) discard() {
	e.state = stateIdle
	e.dropped++
}

func record(value string) string {
	return "data: " + value + "\n"
}
