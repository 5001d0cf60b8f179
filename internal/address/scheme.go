package address

import "strings"

// Scheme names the driver responsible for a file system, e.g. "file" or "zip".
type Scheme string

// NewScheme validates s against the URI scheme grammar
// (ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )) and returns it lower-cased.
func NewScheme(s string) (Scheme, error) {
	if s == "" {
		return "", syntaxError(s, "empty scheme")
	}
	lower := strings.ToLower(s)
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", syntaxError(s, "illegal character in scheme")
		}
	}
	return Scheme(lower), nil
}

// MustScheme is like NewScheme but panics on error.
func MustScheme(s string) Scheme {
	scheme, err := NewScheme(s)
	if err != nil {
		panic(err)
	}
	return scheme
}

func (s Scheme) String() string {
	return string(s)
}

// splitScheme splits "scheme:rest" and validates both halves are present.
func splitScheme(s string) (Scheme, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", syntaxError(s, "missing scheme")
	}
	if i == 0 {
		return "", "", syntaxError(s, "empty scheme")
	}
	scheme, err := NewScheme(s[:i])
	if err != nil {
		return "", "", syntaxError(s, "illegal character in scheme")
	}
	rest := s[i+1:]
	if rest == "" {
		return "", "", syntaxError(s, "empty scheme-specific part")
	}
	return scheme, rest, nil
}
