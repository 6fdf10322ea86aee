// Package models provides the record type passed from the provider to the
// output boundary.
//
// Records are opaque: tapstripe never coerces or validates them, it only
// reads the identifier needed to continue pagination.
package models

import (
	json "github.com/goccy/go-json"
)

// Record is one provider object or event, as decoded from the response.
type Record map[string]interface{}

// ID returns the record's "id" field, or "" if it is missing or not a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Int64 returns a numeric field as int64. Decoders may produce float64 or
// json.Number depending on options; both are handled.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Object returns the provider object type, e.g. "charge" or "event".
func (r Record) Object() string {
	o, _ := r["object"].(string)
	return o
}
