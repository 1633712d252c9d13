// internal/oauthproxy/upstream.go
package oauthproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"authproxy/pkg/proxyconfig"
)

const maxUpstreamBody = 1 << 20

// Response is an upstream token endpoint reply, relayed as-is apart from
// opaque-code substitution.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// post sends form to endpoint authenticated with the proxy's own credentials.
func (p *Proxy) post(ctx context.Context, endpoint string, st Strategy, cfg proxyconfig.Configuration, form url.Values) (*Response, error) {
	if st.AuthStyle != oauth2.AuthStyleInHeader {
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if st.AuthStyle == oauth2.AuthStyleInHeader {
		req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read body: %w", endpoint, err)
	}
	return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

type bodyFormat int

const (
	formatUnknown bodyFormat = iota
	formatJSON
	formatForm
)

// parseBody decodes a token response in either of the encodings providers use.
func parseBody(contentType string, body []byte) (map[string]any, bodyFormat) {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil || m == nil {
			return nil, formatUnknown
		}
		return m, formatJSON
	case mt == "application/x-www-form-urlencoded" || mt == "text/plain":
		vals, err := url.ParseQuery(strings.TrimSpace(string(body)))
		if err != nil || len(vals) == 0 {
			return nil, formatUnknown
		}
		m := make(map[string]any, len(vals))
		for k := range vals {
			m[k] = vals.Get(k)
		}
		return m, formatForm
	}
	return nil, formatUnknown
}

func encodeBody(fields map[string]any, f bodyFormat) ([]byte, error) {
	if f == formatJSON {
		return json.Marshal(fields)
	}
	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, fmt.Sprint(v))
	}
	return []byte(vals.Encode()), nil
}
