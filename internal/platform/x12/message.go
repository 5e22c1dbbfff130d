// Package x12 implements the ANSI ASC X12 segment model used for HIPAA 5010
// transactions: delimiters, segment serialization, envelope parsing and the
// SE segment-count rule.
package x12

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiters describes the separator characters of an interchange.
type Delimiters struct {
	Element    byte   // ISA element separator, '*'
	Composite  byte   // ISA-16 component element separator, '>'
	Repetition byte   // ISA-11 repetition separator, '^'
	Segment    string // segment terminator plus optional line suffix, "~\n"
}

// DefaultDelimiters are the separators emitted for every 837D document.
var DefaultDelimiters = Delimiters{
	Element:    '*',
	Composite:  '>',
	Repetition: '^',
	Segment:    "~\n",
}

// terminator returns the bare segment terminator character without any line suffix.
func (d Delimiters) terminator() byte {
	if d.Segment == "" {
		return '~'
	}
	return d.Segment[0]
}

// Segment is a single X12 segment: a tag such as "CLM" followed by its elements.
type Segment struct {
	Tag      string
	Elements []string
}

// NewSegment builds a segment from a tag and its positional elements.
func NewSegment(tag string, elements ...string) Segment {
	return Segment{Tag: tag, Elements: elements}
}

// Element returns the element at the 1-based X12 position (CLM01 is Element(1)).
func (s Segment) Element(pos int) string {
	idx := pos - 1
	if idx < 0 || idx >= len(s.Elements) {
		return ""
	}
	return s.Elements[idx]
}

// Component returns a 1-based component of a composite element.
func (s Segment) Component(pos, comp int, d Delimiters) string {
	parts := strings.Split(s.Element(pos), string(d.Composite))
	ci := comp - 1
	if ci < 0 || ci >= len(parts) {
		return ""
	}
	return parts[ci]
}

// Encode renders the segment without its terminator. Trailing empty elements
// are dropped, except for ISA which is fixed width.
func (s Segment) Encode(d Delimiters) string {
	elems := s.Elements
	if s.Tag != "ISA" {
		for len(elems) > 0 && elems[len(elems)-1] == "" {
			elems = elems[:len(elems)-1]
		}
	}
	var b strings.Builder
	b.WriteString(s.Tag)
	for _, e := range elems {
		b.WriteByte(d.Element)
		b.WriteString(e)
	}
	return b.String()
}

// Document is an ordered list of segments sharing one set of delimiters.
type Document struct {
	Delimiters Delimiters
	Segments   []Segment
}

// NewDocument returns an empty document using d.
func NewDocument(d Delimiters) *Document {
	return &Document{Delimiters: d}
}

// Add appends a segment.
func (doc *Document) Add(tag string, elements ...string) {
	doc.Segments = append(doc.Segments, NewSegment(tag, elements...))
}

// Len reports the number of segments emitted so far.
func (doc *Document) Len() int { return len(doc.Segments) }

// String serializes every segment followed by the segment terminator.
func (doc *Document) String() string {
	var b strings.Builder
	for _, seg := range doc.Segments {
		b.WriteString(seg.Encode(doc.Delimiters))
		b.WriteString(doc.Delimiters.Segment)
	}
	return b.String()
}

// Bytes is String as a byte slice.
func (doc *Document) Bytes() []byte { return []byte(doc.String()) }

// Get returns the first segment with the given tag, or nil.
func (doc *Document) Get(tag string) *Segment {
	for i := range doc.Segments {
		if doc.Segments[i].Tag == tag {
			return &doc.Segments[i]
		}
	}
	return nil
}

// All returns every segment with the given tag, in document order.
func (doc *Document) All(tag string) []Segment {
	var out []Segment
	for _, seg := range doc.Segments {
		if seg.Tag == tag {
			out = append(out, seg)
		}
	}
	return out
}

// isaLength is the fixed width of an ISA segment including its terminator.
const isaLength = 106

// Parse reads a raw interchange. Delimiters are taken from the ISA header:
// the element separator is byte 3, the component separator byte 104 and the
// segment terminator byte 105. Whitespace around segments (the newline after
// each terminator) is ignored.
func Parse(raw []byte) (*Document, error) {
	text := strings.TrimLeft(string(raw), " \r\n\t")
	if text == "" {
		return nil, fmt.Errorf("x12: document is empty")
	}
	if !strings.HasPrefix(text, "ISA") {
		return nil, fmt.Errorf("x12: first segment must be ISA, got %q", text[:min(3, len(text))])
	}
	if len(text) < isaLength {
		return nil, fmt.Errorf("x12: ISA segment truncated (%d bytes)", len(text))
	}

	d := Delimiters{
		Element:   text[3],
		Composite: text[104],
		Segment:   string(text[105]),
	}
	isaFields := strings.Split(text[:105], string(d.Element))
	if len(isaFields) != 17 {
		return nil, fmt.Errorf("x12: ISA must have 16 elements, got %d", len(isaFields)-1)
	}
	if rep := isaFields[11]; len(rep) == 1 {
		d.Repetition = rep[0]
	}

	doc := NewDocument(d)
	for _, chunk := range strings.Split(text, d.Segment) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, string(d.Element))
		doc.Segments = append(doc.Segments, Segment{Tag: parts[0], Elements: parts[1:]})
	}
	// Keep the line suffix so a reparsed document serializes identically.
	if len(text) > isaLength && text[isaLength] == '\n' {
		doc.Delimiters.Segment = d.Segment + "\n"
	}
	return doc, nil
}

// PadRight left-justifies s in a field of exactly width characters,
// truncating when s is longer. ISA identifiers are fixed width.
func PadRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// ZeroPad renders n with leading zeros to width digits.
func ZeroPad(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Clean makes free text safe to place in an element. X12 has no escape
// sequences, so every delimiter character is replaced with a space.
func Clean(s string, d Delimiters) string {
	if s == "" {
		return s
	}
	repl := []string{
		string(d.Element), " ",
		string(d.Composite), " ",
		string(d.terminator()), " ",
		"\r", " ",
		"\n", " ",
	}
	if d.Repetition != 0 {
		repl = append(repl, string(d.Repetition), " ")
	}
	return strings.TrimSpace(strings.NewReplacer(repl...).Replace(s))
}
