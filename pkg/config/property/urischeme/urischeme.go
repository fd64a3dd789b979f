package urischeme

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// URIScheme points to secret material. Supported forms are:
// - /path/to/file
// - file:///path/to/file (RFC 8089)
// - data:;base64,SGVsbG8sIFdvcmxkIQ== (RFC 2397)
// - data:,plgd (RFC 2397)
type URIScheme string

var anyScheme = regexp.MustCompile(`^[a-zA-Z]+:+//`)

// IsData returns true if the URIScheme is a data URI scheme.
func (p URIScheme) IsData() bool {
	return strings.HasPrefix(string(p), "data:")
}

// FilePath returns the path of a file URI, or an empty string for data and unsupported schemes.
func (p URIScheme) FilePath() string {
	switch {
	case p == "", p.IsData():
		return ""
	case strings.HasPrefix(string(p), "file:///"):
		return string(p)[len("file://"):]
	case anyScheme.MatchString(string(p)):
		return ""
	}
	return string(p)
}

func (p URIScheme) Validate() error {
	if p.IsData() {
		return nil
	}
	if p.FilePath() == "" {
		return fmt.Errorf("unsupported uri('%v')", p)
	}
	return nil
}

func (p URIScheme) readData() (data []byte, err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			err = fmt.Errorf("cannot load data: %v", err1)
		}
	}()
	dataURL, err := dataurl.DecodeString(string(p))
	if err != nil {
		return nil, err
	}
	return dataURL.Data, nil
}

// Read returns the content of the data URI or of the referenced file.
func (p URIScheme) Read() ([]byte, error) {
	if p.IsData() {
		return p.readData()
	}
	path := p.FilePath()
	if path == "" {
		return nil, fmt.Errorf("unsupported uri('%v')", p)
	}
	return os.ReadFile(path)
}
