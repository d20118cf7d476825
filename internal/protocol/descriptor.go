package protocol

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HeaderValues is one header's values. the relay serialises a
// single-valued header as a plain JSON string and a multi-valued
// header as an array; both shapes are accepted and reproduced.
type HeaderValues []string

// UnmarshalJSON accepts either a string or a list of strings.
func (h *HeaderValues) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*h = HeaderValues{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*h = HeaderValues(many)
	return nil
}

// MarshalJSON emits a plain string for single values, an array otherwise.
func (h HeaderValues) MarshalJSON() ([]byte, error) {
	if len(h) == 1 {
		return json.Marshal(h[0])
	}
	return json.Marshal([]string(h))
}

// Headers is a header map preserving single-vs-list value semantics.
type Headers map[string]HeaderValues

// Get returns the first value for the given name, case-insensitively.
func (h Headers) Get(name string) string {
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Delete removes every entry matching the given name case-insensitively.
func (h Headers) Delete(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// HeadersFromHTTP converts a net/http header into a wire header map.
func HeadersFromHTTP(src http.Header) Headers {
	h := make(Headers, len(src))
	for k, vs := range src {
		h[k] = HeaderValues(vs)
	}
	return h
}

// RequestDescriptor is the payload of an "http" or "ws" frame.
type RequestDescriptor struct {
	URL       string  `json:"url"`
	Subdomain string  `json:"subdomain"`
	Method    string  `json:"method"`
	Headers   Headers `json:"headers"`
}

// ResponseHead is the payload of a "head" frame.
type ResponseHead struct {
	StatusCode int     `json:"statusCode"`
	Headers    Headers `json:"headers"`
}

// IdleDescriptor is the payload of a "go-idle" frame. the four values
// are opaque to everything except the idle notifier.
type IdleDescriptor struct {
	DB     string `json:"db"`
	DBKey  string `json:"dbKey"`
	APIKey string `json:"apiKey"`
	Token  string `json:"token"`
}
