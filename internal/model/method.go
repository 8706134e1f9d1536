package model

import "github.com/rotisserie/eris"

// Method identifies how a parameter set was produced.
type Method uint8

const (
	// MethodNone is the zero value and only means "nothing selected".
	MethodNone Method = iota
	MethodAI
	MethodGrid
	MethodManual
)

// MethodPriority lists the methods in auto-selection order.
var MethodPriority = []Method{MethodAI, MethodGrid, MethodManual}

func (m Method) String() string {
	switch m {
	case MethodNone:
		return ""
	case MethodAI:
		return "ai"
	case MethodGrid:
		return "grid"
	case MethodManual:
		return "manual"
	}
	return "unknown"
}

// ParseMethod converts the text form back into a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "":
		return MethodNone, nil
	case "ai":
		return MethodAI, nil
	case "grid":
		return MethodGrid, nil
	case "manual":
		return MethodManual, nil
	}
	return MethodNone, eris.Errorf("model: unknown method %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	parsed, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
