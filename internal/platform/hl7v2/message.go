package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message, typically an RSP^K23 PIX
// query response or an ACK for an identity feed.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "RSP^K23^RSP_K23")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "MSA", "QAK", "PID"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)

	// Normalize line endings: replace \r\n with \r, then replace \n with \r
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	lines := strings.Split(text, "\r")

	var segmentLines []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	msg := &Message{}

	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: the field separator (|) is MSH-1 itself, so
	// Fields[0] holds "|" and Fields[1] holds the encoding characters.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		rest := line[4:]
		parts := strings.Split(rest, fieldSep)

		seg.Fields = append(seg.Fields, Field{
			Value:      fieldSep,
			Components: []string{fieldSep},
		})

		for _, part := range parts {
			seg.Fields = append(seg.Fields, parseField(part))
		}
	} else {
		// Normal segments: name|field1|field2|...
		parts := strings.SplitN(line, "|", 2)
		seg.Name = parts[0]

		if len(parts) > 1 {
			fields := strings.Split(parts[1], "|")
			for _, f := range fields {
				seg.Fields = append(seg.Fields, parseField(f))
			}
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{
		Value: raw,
	}

	reps := strings.Split(raw, "~")
	for _, rep := range reps {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}

	// Components come from the first repetition.
	f.Components = f.Repeats[0]

	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if tsStr := msh.GetField(7); tsStr != "" {
		if t, err := parseHL7Timestamp(tsStr); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)

	return nil
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by 1-based index. For MSH the
// field separator itself counts as MSH-1, so GetField(9) is the message
// type just as GetField(3) is the third field of any other segment.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(s.Fields[idx].Components) {
		return ""
	}
	return s.Fields[idx].Components[ci]
}

// FieldRepetitions returns each repetition of a field (1-based index) as
// its raw string form with components rejoined. An absent field yields nil.
func (s *Segment) FieldRepetitions(index int) []string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	reps := make([]string, 0, len(s.Fields[idx].Repeats))
	for _, rep := range s.Fields[idx].Repeats {
		reps = append(reps, strings.Join(rep, "^"))
	}
	return reps
}

// PatientIdentifiers returns the raw CX strings from PID-3, one per
// repetition. An RSP^K23 lists every identifier domain the manager
// cross-references for the queried patient here.
func (m *Message) PatientIdentifiers() []string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return nil
	}
	var ids []string
	for _, rep := range pid.FieldRepetitions(3) {
		if rep != "" {
			ids = append(ids, rep)
		}
	}
	return ids
}

// Acknowledgment returns the MSA segment fields: the acknowledgment code
// (MSA-1), the control ID of the message being acknowledged (MSA-2), and
// the optional text message (MSA-3).
func (m *Message) Acknowledgment() (code, controlID, text string) {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return "", "", ""
	}
	return msa.GetField(1), msa.GetField(2), msa.GetField(3)
}

// QueryAck returns the query response status from QAK-2 ("OK", "NF", or
// "AE"), or the empty string when no QAK segment is present.
func (m *Message) QueryAck() string {
	qak := m.GetSegment("QAK")
	if qak == nil {
		return ""
	}
	return qak.GetField(2)
}

// ErrorText returns a human-readable rendering of the first ERR segment,
// preferring the user message (ERR-8), then the error code and text
// (ERR-3), then the v2.3-style error location (ERR-1).
func (m *Message) ErrorText() string {
	errSeg := m.GetSegment("ERR")
	if errSeg == nil {
		return ""
	}
	if msg := errSeg.GetField(8); msg != "" {
		return msg
	}
	if code := errSeg.GetField(3); code != "" {
		return code
	}
	return errSeg.GetField(1)
}
