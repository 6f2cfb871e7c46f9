// Package source decodes request payloads delivered by external request
// sources such as Redis lists and Kafka topics.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrEmptyPayload is returned for blank messages.
var ErrEmptyPayload = errors.New("empty request payload")

// Payload is the JSON form of a request message.
type Payload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Proxy   string            `json:"proxy,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Decode turns a message into a request. A message is either a bare URL or
// a JSON Payload object.
func Decode(data []byte) (crawler.Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return crawler.Request{}, ErrEmptyPayload
	}
	if data[0] != '{' {
		return validate(crawler.NewRequest(string(data)))
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return crawler.Request{}, fmt.Errorf("decode request payload: %w", err)
	}
	req := crawler.NewRequest(strings.TrimSpace(p.URL))
	if p.Method != "" {
		req.Method = strings.ToUpper(p.Method)
	}
	if p.Proxy != "" {
		proxy, err := url.Parse(p.Proxy)
		if err != nil || proxy.Host == "" {
			return crawler.Request{}, fmt.Errorf("invalid proxy %q", p.Proxy)
		}
		req = req.WithProxy(proxy)
	}
	if len(p.Headers) > 0 {
		req.Headers = make(http.Header, len(p.Headers))
		for k, v := range p.Headers {
			req.Headers.Set(k, v)
		}
	}
	if p.Body != "" {
		req.Body = []byte(p.Body)
	}
	return validate(req)
}

func validate(req crawler.Request) (crawler.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.Request{}, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Request{}, fmt.Errorf("invalid url %q: want absolute http(s)", req.URL)
	}
	return req, nil
}
