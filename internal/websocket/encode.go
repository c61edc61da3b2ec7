package websocket

import (
	"bytes"
	"encoding/json"
)

// maxSafeInteger is 2^53-1, the largest integer a JSON client decoding into
// IEEE-754 doubles can represent exactly.
const maxSafeInteger = "9007199254740991"

// Encode marshals v to JSON and renders every integer literal outside
// ±(2^53-1) as a decimal string. Values implementing json.Marshaler (such as
// *big.Int) are covered because the rewrite works on the encoded output.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return quoteUnsafeIntegers(raw), nil
}

// quoteUnsafeIntegers rewrites number literals of a valid JSON document.
// The input is returned unchanged when nothing needs quoting.
func quoteUnsafeIntegers(src []byte) []byte {
	var out []byte
	last := 0
	inString := false

	for i := 0; i < len(src); i++ {
		ch := src[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			continue
		}
		if ch != '-' && (ch < '0' || ch > '9') {
			continue
		}

		end := i + 1
		for end < len(src) && isNumberByte(src[end]) {
			end++
		}
		literal := src[i:end]
		if unsafeInteger(literal) {
			if out == nil {
				out = make([]byte, 0, len(src)+8)
			}
			out = append(out, src[last:i]...)
			out = append(out, '"')
			out = append(out, literal...)
			out = append(out, '"')
			last = end
		}
		i = end - 1
	}

	if out == nil {
		return src
	}
	return append(out, src[last:]...)
}

func isNumberByte(ch byte) bool {
	return (ch >= '0' && ch <= '9') || ch == '-' || ch == '+' || ch == '.' || ch == 'e' || ch == 'E'
}

// unsafeInteger reports whether literal is an integer whose magnitude
// exceeds maxSafeInteger.
func unsafeInteger(literal []byte) bool {
	if bytes.ContainsAny(literal, ".eE") {
		return false
	}
	digits := bytes.TrimPrefix(literal, []byte("-"))
	if len(digits) != len(maxSafeInteger) {
		return len(digits) > len(maxSafeInteger)
	}
	return string(digits) > maxSafeInteger
}
