// Package options encodes request descriptors into the URL-safe tokens carried
// in proxy paths, and decodes them back.
package options

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"stream-proxy-go/internal/model"
)

const (
	fieldURL     = "url"
	fieldHeaders = "headers"
	fieldMethod  = "method"
)

// DecodeError reports a token that could not be turned into a descriptor.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode options: " + e.Reason
	}
	return fmt.Sprintf("decode options: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes d as base64url (unpadded) of its JSON form. Object keys are
// emitted in sorted order, so equal descriptors give equal tokens.
func Encode(d *model.Descriptor) (string, error) {
	doc := make(map[string]json.RawMessage, len(d.Extra)+3)
	for k, v := range d.Extra {
		doc[k] = json.RawMessage(v)
	}

	fields := []struct {
		name  string
		value any
		skip  bool
	}{
		{fieldURL, d.URL, false},
		{fieldHeaders, d.Headers, d.Headers == nil},
		{fieldMethod, d.Method, d.Method == ""},
	}
	for _, f := range fields {
		if f.skip {
			delete(doc, f.name)
			continue
		}
		raw, err := marshal(f.value)
		if err != nil {
			return "", fmt.Errorf("encode options: %s: %w", f.name, err)
		}
		doc[f.name] = raw
	}

	raw, err := marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode. Padded and standard-alphabet
// base64 are accepted as well.
func Decode(token string) (*model.Descriptor, error) {
	raw, err := decodeBase64(token)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64url", Err: err}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if doc == nil {
		return nil, &DecodeError{Reason: "invalid json", Err: errors.New("expected an object")}
	}

	d := &model.Descriptor{}

	rawURL, ok := doc[fieldURL]
	if !ok {
		return nil, &DecodeError{Reason: `missing "url" field`}
	}
	if err := json.Unmarshal(rawURL, &d.URL); err != nil {
		return nil, &DecodeError{Reason: `invalid "url" field`, Err: err}
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &DecodeError{Reason: `invalid "url" field`, Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &DecodeError{Reason: `invalid "url" field`, Err: fmt.Errorf("%q is not an absolute URL", d.URL)}
	}

	if rawHeaders, ok := doc[fieldHeaders]; ok {
		if err := json.Unmarshal(rawHeaders, &d.Headers); err != nil {
			return nil, &DecodeError{Reason: `invalid "headers" field`, Err: err}
		}
	}
	if rawMethod, ok := doc[fieldMethod]; ok {
		if err := json.Unmarshal(rawMethod, &d.Method); err != nil {
			return nil, &DecodeError{Reason: `invalid "method" field`, Err: err}
		}
	}

	for k, v := range doc {
		switch k {
		case fieldURL, fieldHeaders, fieldMethod:
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("invalid %q field", k), Err: err}
		}
		if d.Extra == nil {
			d.Extra = make(map[string][]byte)
		}
		d.Extra[k] = compact.Bytes()
	}

	return d, nil
}

func decodeBase64(token string) ([]byte, error) {
	s := strings.TrimRight(token, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// marshal is json.Marshal without HTML escaping, which keeps URLs with '&'
// compact.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
