package model

import (
	"strconv"
	"strings"
)

// OptFloat accepts a JSON number or numeric string. Anything else decodes as
// absent instead of failing the whole document.
type OptFloat struct {
	V     float64
	Valid bool
}

func (f *OptFloat) UnmarshalJSON(b []byte) error {
	*f = OptFloat{}
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		f.V, f.Valid = v, true
	}
	return nil
}

// Ptr returns nil when the value was absent
func (f OptFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.V
	return &v
}

// OptInt is the integer counterpart of OptFloat; fractional values round down
type OptInt struct {
	V     int
	Valid bool
}

func (i *OptInt) UnmarshalJSON(b []byte) error {
	var f OptFloat
	_ = f.UnmarshalJSON(b)
	*i = OptInt{V: int(f.V), Valid: f.Valid}
	return nil
}

func (i OptInt) Ptr() *int {
	if !i.Valid {
		return nil
	}
	v := i.V
	return &v
}

// OptBool accepts true/false, "true"/"false" and 1/0
type OptBool struct {
	V bool
}

func (b *OptBool) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseBool(strings.Trim(string(data), `"`))
	b.V = err == nil && v
	return nil
}
