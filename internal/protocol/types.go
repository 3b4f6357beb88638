package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gardenlink/internal/constants"
)

var ErrMalformed = errors.New("malformed package")

type PackageType string

const (
	Init                    PackageType = "Init"
	Relay                   PackageType = "Relay"
	PeerToPeerInit          PackageType = "PeerToPeerInit"
	ExternalServerRelayInit PackageType = "ExternalServerRelayInit"
	Error                   PackageType = "Error"
	RelayTest               PackageType = "RelayTest"
)

func (t PackageType) Valid() bool {
	switch t {
	case Init, Relay, PeerToPeerInit, ExternalServerRelayInit, Error, RelayTest:
		return true
	}
	return false
}

type Protocol string

const (
	API Protocol = "API"
	TCP Protocol = "TCP"
)

type ServiceDetails struct {
	Port               int      `json:"port"`
	Protocol           Protocol `json:"protocol"`
	HoldConnectionOpen bool     `json:"hold_connection_open"`
}

// WanPackage is the envelope exchanged with the rendezvous server and with
// peer-to-peer clients.
type WanPackage struct {
	Type           PackageType     `json:"type"`
	Payload        []byte          `json:"payload,omitempty"`
	ServiceDetails *ServiceDetails `json:"service_details,omitempty"`
}

// ServicePackage carries relay bytes for one local session. An empty
// SessionID asks for a new session.
type ServicePackage struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// EndpointInfo is the Init reply: where peers can reach the station directly.
type EndpointInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func NewError(format string, args ...interface{}) *WanPackage {
	return &WanPackage{Type: Error, Payload: []byte(fmt.Sprintf(format, args...))}
}

func (p *WanPackage) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeWanPackage parses and validates an envelope. Anything that is not a
// JSON object with a known type is malformed; callers use that to tell
// plaintext envelopes from encrypted ones.
func DecodeWanPackage(b []byte) (*WanPackage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrMalformed)
	}

	var p WanPackage
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}
	if p.Type == Relay {
		if p.ServiceDetails == nil {
			return nil, fmt.Errorf("%w: relay without service details", ErrMalformed)
		}
		if err := p.ServiceDetails.validate(); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (d *ServiceDetails) validate() error {
	if d.Port < constants.MinPort || d.Port > constants.MaxPort {
		return fmt.Errorf("%w: service port %d", ErrMalformed, d.Port)
	}
	switch d.Protocol {
	case API, TCP:
	default:
		return fmt.Errorf("%w: service protocol %q", ErrMalformed, d.Protocol)
	}
	return nil
}

func (p *ServicePackage) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func DecodeServicePackage(b []byte) (*ServicePackage, error) {
	var p ServicePackage
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.SessionID != "" {
		if _, err := uuid.Parse(p.SessionID); err != nil {
			return nil, fmt.Errorf("%w: session id %q", ErrMalformed, p.SessionID)
		}
	}
	return &p, nil
}
