package resource

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
)

// ErrInvalidDescriptor is a fatal configuration error; the resource is not registered.
var ErrInvalidDescriptor = errors.New("invalid resource descriptor")

type Mode string

const (
	ModeObserve   Mode = "observe"
	ModePoll      Mode = "poll"
	ModeWriteOnly Mode = "writeOnly"
)

const (
	DefaultCoapPort  = "5683"
	DefaultCoapsPort = "5684"
)

// Descriptor identifies a remote CoAP resource and how the adapter keeps it in sync.
// A Descriptor is immutable after registration.
type Descriptor struct {
	URI           string            `yaml:"uri" json:"uri"`
	Mode          Mode              `yaml:"mode" json:"mode"`
	PollInterval  time.Duration     `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	ContentFormat message.MediaType `yaml:"contentFormat" json:"contentFormat"`
	// ExpectedInterval of notifications of an observed resource. Zero disables the staleness check.
	ExpectedInterval time.Duration `yaml:"expectedInterval,omitempty" json:"expectedInterval,omitempty"`
	// PollFallback switches an observed resource to polling when the device does not support observe.
	PollFallback bool `yaml:"pollFallback,omitempty" json:"pollFallback,omitempty"`
	// ValuePath is a gjson path selecting the value of JSON payloads.
	ValuePath    string `yaml:"valuePath,omitempty" json:"valuePath,omitempty"`
	ResourceType string `yaml:"resourceType,omitempty" json:"resourceType,omitempty"`
	Interface    string `yaml:"interface,omitempty" json:"interface,omitempty"`
}

// Endpoint is the parsed form of a resource URI.
type Endpoint struct {
	Scheme string
	// Host always carries a port.
	Host  string
	Path  string
	Query []string
}

// ParseURI parses an absolute coap:// or coaps:// resource URI.
func ParseURI(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: uri('%v'): %v", ErrInvalidDescriptor, uri, err)
	}
	var defPort string
	switch u.Scheme {
	case "coap":
		defPort = DefaultCoapPort
	case "coaps":
		defPort = DefaultCoapsPort
	default:
		return Endpoint{}, fmt.Errorf("%w: uri('%v'): unsupported scheme('%v')", ErrInvalidDescriptor, uri, u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: uri('%v'): missing host", ErrInvalidDescriptor, uri)
	}
	port := u.Port()
	if port == "" {
		port = defPort
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var query []string
	if u.RawQuery != "" {
		query = strings.Split(u.RawQuery, "&")
	}
	return Endpoint{
		Scheme: u.Scheme,
		Host:   net.JoinHostPort(u.Hostname(), port),
		Path:   path,
		Query:  query,
	}, nil
}

func (e Endpoint) String() string {
	uri := e.Scheme + "://" + e.Host + e.Path
	if len(e.Query) > 0 {
		uri += "?" + strings.Join(e.Query, "&")
	}
	return uri
}

func (d Descriptor) Validate() error {
	if _, err := ParseURI(d.URI); err != nil {
		return err
	}
	switch d.Mode {
	case ModeObserve:
		if d.ExpectedInterval < 0 {
			return fmt.Errorf("%w: uri('%v'): expectedInterval('%v')", ErrInvalidDescriptor, d.URI, d.ExpectedInterval)
		}
		if d.PollFallback && d.PollInterval <= 0 {
			return fmt.Errorf("%w: uri('%v'): pollFallback requires pollInterval('%v')", ErrInvalidDescriptor, d.URI, d.PollInterval)
		}
	case ModePoll:
		if d.PollInterval <= 0 {
			return fmt.Errorf("%w: uri('%v'): pollInterval('%v')", ErrInvalidDescriptor, d.URI, d.PollInterval)
		}
	case ModeWriteOnly:
	default:
		return fmt.Errorf("%w: uri('%v'): mode('%v')", ErrInvalidDescriptor, d.URI, d.Mode)
	}
	return nil
}

// StaleTimeout is the silence after which an observation is considered degraded; zero means never.
func (d Descriptor) StaleTimeout() time.Duration {
	if d.Mode != ModeObserve {
		return 0
	}
	return 2 * d.ExpectedInterval
}

// WithMode returns a copy of the descriptor in another mode.
func (d Descriptor) WithMode(mode Mode) Descriptor {
	d.Mode = mode
	return d
}
