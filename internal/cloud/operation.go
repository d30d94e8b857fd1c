package cloud

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProtocolJSON is the only wire protocol implemented. Operations with an
// empty Protocol use it.
const ProtocolJSON = "json"

// Operation describes one remote call. Values are supplied by the service
// layer and never mutated by the core.
type Operation struct {
	Name       string
	Method     string
	Service    string // key into the session's service endpoint map; empty = absolute Endpoint
	Endpoint   string
	Protocol   string
	RetryCount int
	MaxDelay   time.Duration // zero = policy default
	Policy     string        // retry policy name; empty = registry default
}

// Validate rejects operations that could never produce a request. These are
// configuration bugs and map to UnsupportedOperation.
func (o Operation) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("operation name is empty")
	}

	switch strings.ToUpper(o.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("operation %q: unsupported method %q", o.Name, o.Method)
	}

	if o.Endpoint == "" {
		return fmt.Errorf("operation %q: endpoint is empty", o.Name)
	}

	if o.Service == "" && !strings.HasPrefix(o.Endpoint, "https://") && !strings.HasPrefix(o.Endpoint, "http://") {
		return fmt.Errorf("operation %q: endpoint must be absolute when no service is set", o.Name)
	}

	if o.RetryCount < 0 {
		return fmt.Errorf("operation %q: retry_count must be >= 0", o.Name)
	}

	if o.MaxDelay < 0 {
		return fmt.Errorf("operation %q: max_delay must be >= 0", o.Name)
	}

	return nil
}

// EffectiveProtocol returns Protocol or the JSON default.
func (o Operation) EffectiveProtocol() string {
	if o.Protocol == "" {
		return ProtocolJSON
	}

	return o.Protocol
}
