package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
)

var ErrInvalidLinkFormat = errors.New("invalid link format")

// Link is one entry of a CoRE link-format document.
type Link struct {
	Target string
	// Params maps parameter names to their values in document order. Flags such as obs carry an empty value.
	Params map[string][]string
}

// Has reports whether the parameter is present.
func (l Link) Has(name string) bool {
	_, ok := l.Params[name]
	return ok
}

// Values returns the space separated values of all occurrences of the parameter.
func (l Link) Values(name string) []string {
	var values []string
	for _, v := range l.Params[name] {
		values = append(values, strings.Fields(v)...)
	}
	return values
}

// First returns the first value of the parameter.
func (l Link) First(name string) string {
	if v := l.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// ContentFormats returns the ct values which are valid media types.
func (l Link) ContentFormats() []message.MediaType {
	var formats []message.MediaType
	for _, v := range l.Values("ct") {
		ct, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			continue
		}
		formats = append(formats, message.MediaType(ct))
	}
	return formats
}

type linkScanner struct {
	data string
	pos  int
}

func (s *linkScanner) skipSpace() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}

func (s *linkScanner) eof() bool {
	return s.pos >= len(s.data)
}

func (s *linkScanner) peek() byte {
	return s.data[s.pos]
}

func (s *linkScanner) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: offset %v: %v", ErrInvalidLinkFormat, s.pos, fmt.Sprintf(format, args...))
}

func (s *linkScanner) target() (string, error) {
	if s.eof() || s.peek() != '<' {
		return "", s.errorf("expected '<'")
	}
	end := strings.IndexByte(s.data[s.pos:], '>')
	if end < 0 {
		return "", s.errorf("unterminated target")
	}
	target := s.data[s.pos+1 : s.pos+end]
	s.pos += end + 1
	return target, nil
}

func (s *linkScanner) token() string {
	start := s.pos
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ';', ',', '=', ' ', '\t', '\r', '\n':
			return s.data[start:s.pos]
		}
		s.pos++
	}
	return s.data[start:]
}

func (s *linkScanner) quoted() (string, error) {
	var b strings.Builder
	s.pos++
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.data) {
				return "", s.errorf("unterminated quoted string")
			}
			b.WriteByte(s.data[s.pos+1])
			s.pos += 2
			continue
		case '"':
			s.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		s.pos++
	}
	return "", s.errorf("unterminated quoted string")
}

func (s *linkScanner) param() (string, string, error) {
	s.skipSpace()
	name := s.token()
	if name == "" {
		return "", "", s.errorf("expected parameter name")
	}
	s.skipSpace()
	if s.eof() || s.peek() != '=' {
		return name, "", nil
	}
	s.pos++
	s.skipSpace()
	if !s.eof() && s.peek() == '"' {
		v, err := s.quoted()
		return name, v, err
	}
	return name, s.token(), nil
}

func (s *linkScanner) link() (Link, error) {
	target, err := s.target()
	if err != nil {
		return Link{}, err
	}
	l := Link{Target: target, Params: make(map[string][]string)}
	for {
		s.skipSpace()
		if s.eof() || s.peek() == ',' {
			return l, nil
		}
		if s.peek() != ';' {
			return Link{}, s.errorf("unexpected '%c'", s.peek())
		}
		s.pos++
		name, value, err := s.param()
		if err != nil {
			return Link{}, err
		}
		l.Params[name] = append(l.Params[name], value)
	}
}

// ParseLinkFormat parses an application/link-format document.
func ParseLinkFormat(data []byte) ([]Link, error) {
	s := linkScanner{data: string(data)}
	var links []Link
	for {
		s.skipSpace()
		if s.eof() {
			return links, nil
		}
		l, err := s.link()
		if err != nil {
			return nil, err
		}
		links = append(links, l)
		s.skipSpace()
		if s.eof() {
			return links, nil
		}
		// link() stops only at ',' or the end
		s.pos++
	}
}
