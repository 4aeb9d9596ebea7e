// Package citation reads BibTeX citation exports into flat records.
package citation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

// ErrMalformedEntry is wrapped by every per-entry parse error.
var ErrMalformedEntry = errors.New("malformed citation entry")

// Parse converts a raw export into records. Entries that cannot be parsed are
// skipped and reported in the returned error slice; the rest of the batch is
// still returned.
func Parse(raw []byte) ([]crawler.CitationRecord, []error) {
	p := &parser{src: raw}
	var (
		records []crawler.CitationRecord
		errs    []error
	)
	for {
		start, ok := p.nextEntry()
		if !ok {
			break
		}
		e, err := p.entry()
		if err != nil {
			errs = append(errs, fmt.Errorf("entry at offset %d: %w", start, err))
			p.pos = start + 1
			continue
		}
		if e == nil {
			continue
		}
		records = append(records, e.record())
	}
	return records, errs
}

type entry struct {
	kind   string
	key    string
	fields map[string]string
}

func (e *entry) record() crawler.CitationRecord {
	f := e.fields
	rec := crawler.CitationRecord{
		ID:       e.key,
		Title:    f["title"],
		Abstract: f["abstract"],
		URL:      f["url"],
		Journal:  f["journal"],
		Author:   f["author"],
		Volume:   crawler.NumericOrZero(f["volume"]),
		Number:   crawler.NumericOrZero(f["number"]),
		Year:     crawler.NumericOrZero(f["year"]),
	}
	issns := strings.FieldsFunc(f["issn"], func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if len(issns) > 0 {
		rec.ISSN = crawler.NormalizeISSN(issns[0])
	}
	if len(issns) > 1 {
		rec.AltISSN = crawler.NormalizeISSN(issns[1])
	}
	if alt := crawler.NormalizeISSN(f["altissn"]); alt != "" {
		rec.AltISSN = alt
	}
	return rec
}

type parser struct {
	src []byte
	pos int
}

// nextEntry advances to the next '@' that starts a line.
func (p *parser) nextEntry() (int, bool) {
	for p.pos < len(p.src) {
		if p.src[p.pos] == '@' && p.atLineStart(p.pos) {
			return p.pos, true
		}
		p.pos++
	}
	return 0, false
}

func (p *parser) atLineStart(i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch p.src[j] {
		case '\n', '\r':
			return true
		case ' ', '\t':
			continue
		default:
			return false
		}
	}
	return true
}

func (p *parser) entry() (*entry, error) {
	p.pos++ // '@'
	kind := strings.ToLower(p.ident())
	if kind == "" {
		return nil, fmt.Errorf("%w: missing entry type", ErrMalformedEntry)
	}
	p.skipSpace()
	closer, err := p.opener()
	if err != nil {
		return nil, err
	}

	switch kind {
	case "comment", "preamble", "string":
		if err := p.skipBlock(closer); err != nil {
			return nil, err
		}
		return nil, nil
	}

	key, err := p.key(closer)
	if err != nil {
		return nil, err
	}
	e := &entry{kind: kind, key: key, fields: make(map[string]string)}

	for {
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("%w: unterminated entry %q", ErrMalformedEntry, key)
		}
		switch c := p.src[p.pos]; {
		case c == closer:
			p.pos++
			return e, nil
		case c == ',':
			p.pos++
			continue
		}

		name := strings.ToLower(p.ident())
		if name == "" {
			return nil, fmt.Errorf("%w: expected field name in %q", ErrMalformedEntry, key)
		}
		p.skipSpace()
		if p.eof() || p.src[p.pos] != '=' {
			return nil, fmt.Errorf("%w: field %q in %q has no value", ErrMalformedEntry, name, key)
		}
		p.pos++
		p.skipSpace()
		val, err := p.value(closer)
		if err != nil {
			return nil, fmt.Errorf("field %q in %q: %w", name, key, err)
		}
		e.fields[name] = val

		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("%w: unterminated entry %q", ErrMalformedEntry, key)
		}
		if c := p.src[p.pos]; c != ',' && c != closer {
			return nil, fmt.Errorf("%w: unexpected %q after field %q in %q", ErrMalformedEntry, c, name, key)
		}
	}
}

func (p *parser) opener() (byte, error) {
	if p.eof() {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrMalformedEntry)
	}
	switch p.src[p.pos] {
	case '{':
		p.pos++
		return '}', nil
	case '(':
		p.pos++
		return ')', nil
	default:
		return 0, fmt.Errorf("%w: expected '{' or '(' got %q", ErrMalformedEntry, p.src[p.pos])
	}
}

// key reads the citation key. Keys may contain '/' and '.' (DOIs).
func (p *parser) key(closer byte) (string, error) {
	start := p.pos
	for !p.eof() && p.src[p.pos] != ',' && p.src[p.pos] != closer {
		p.pos++
	}
	key := strings.TrimSpace(string(p.src[start:p.pos]))
	if key == "" || strings.ContainsAny(key, "=\"{}") {
		return "", fmt.Errorf("%w: missing citation key", ErrMalformedEntry)
	}
	return key, nil
}

func (p *parser) value(closer byte) (string, error) {
	var parts []string
	for {
		if p.eof() {
			return "", fmt.Errorf("%w: missing value", ErrMalformedEntry)
		}
		switch c := p.src[p.pos]; {
		case c == '{':
			p.pos++
			s, err := p.braced()
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		case c == '"':
			p.pos++
			s, err := p.quoted()
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		default:
			s := p.bare(closer)
			if s == "" {
				return "", fmt.Errorf("%w: missing value", ErrMalformedEntry)
			}
			parts = append(parts, s)
		}
		p.skipSpace()
		if p.eof() || p.src[p.pos] != '#' {
			break
		}
		p.pos++
		p.skipSpace()
	}
	return clean(strings.Join(parts, "")), nil
}

// braced reads up to the brace matching one already consumed.
func (p *parser) braced() (string, error) {
	start, depth := p.pos, 1
	for ; p.pos < len(p.src); p.pos++ {
		switch p.src[p.pos] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				s := string(p.src[start:p.pos])
				p.pos++
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced braces", ErrMalformedEntry)
}

func (p *parser) quoted() (string, error) {
	start, depth := p.pos, 0
	for ; p.pos < len(p.src); p.pos++ {
		switch p.src[p.pos] {
		case '{':
			depth++
		case '}':
			depth--
		case '"':
			if depth == 0 && p.src[p.pos-1] != '\\' {
				s := string(p.src[start:p.pos])
				p.pos++
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("%w: unterminated quoted value", ErrMalformedEntry)
}

func (p *parser) bare(closer byte) string {
	start := p.pos
	for !p.eof() {
		c := p.src[p.pos]
		if c == ',' || c == closer || c == '#' || isSpace(c) {
			break
		}
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *parser) skipBlock(closer byte) error {
	open := byte('{')
	if closer == ')' {
		open = '('
	}
	depth := 1
	for ; p.pos < len(p.src); p.pos++ {
		switch p.src[p.pos] {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				p.pos++
				return nil
			}
		}
	}
	return fmt.Errorf("%w: unterminated block", ErrMalformedEntry)
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() {
		c := p.src[p.pos]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == ':') {
			break
		}
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *parser) skipSpace() {
	for !p.eof() && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

var latexEscapes = strings.NewReplacer(`\&`, "&", `\%`, "%", `\_`, "_", `\$`, "$", `\#`, "#")

// clean drops grouping braces, unescapes common LaTeX specials and collapses
// whitespace runs.
func clean(s string) string {
	s = latexEscapes.Replace(s)
	s = strings.Map(func(r rune) rune {
		if r == '{' || r == '}' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
