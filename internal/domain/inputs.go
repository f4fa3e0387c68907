package domain

// Inputs is the opaque key/value payload handed to a task's core logic.
// Values keep whatever type the caller stored; the typed accessors below
// spare callers the assertion boilerplate.
type Inputs map[string]any

// String returns the value for key if it is a string.
func (in Inputs) String(key string) (string, bool) {
	v, ok := in[key].(string)
	return v, ok
}

// Int returns the value for key if it is an integer. YAML and JSON
// decoders produce different numeric types, so int, int64 and float64
// are all accepted.
func (in Inputs) Int(key string) (int, bool) {
	switch v := in[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Float returns the value for key if it is numeric.
func (in Inputs) Float(key string) (float64, bool) {
	switch v := in[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the value for key if it is a bool.
func (in Inputs) Bool(key string) (bool, bool) {
	v, ok := in[key].(bool)
	return v, ok
}
