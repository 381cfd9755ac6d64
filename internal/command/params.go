package command

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"cubesat-fsw/internal/fault"
)

var paramKey = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Params is the runtime parameter document tasks read and SET_PARAM updates.
type Params struct {
	doc string
}

// NewParams builds the document from the profile's initial values.
func NewParams(initial map[string]any) (*Params, error) {
	if len(initial) == 0 {
		return &Params{doc: "{}"}, nil
	}
	b, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return &Params{doc: string(b)}, nil
}

// Float returns a numeric parameter.
func (p *Params) Float(key string) (float64, bool) {
	r := gjson.Get(p.doc, key)
	if !r.Exists() || r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

// String returns a parameter rendered as a string.
func (p *Params) String(key string) (string, bool) {
	r := gjson.Get(p.doc, key)
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

// Set replaces key with the raw JSON value.
func (p *Params) Set(key string, raw string) error {
	if !paramKey.MatchString(key) {
		return fault.Validation("invalid parameter key %q", key)
	}
	if !gjson.Valid(raw) {
		return fault.Validation("parameter %s: value is not valid JSON", key)
	}
	doc, err := sjson.SetRaw(p.doc, key, raw)
	if err != nil {
		return fault.Validation("set parameter %s: %v", key, err)
	}
	p.doc = doc
	return nil
}

// JSON returns the whole document.
func (p *Params) JSON() string { return p.doc }
