package config

import (
	"bytes"
)

// StripJSONComments removes // and /* */ comments from JSONC content
func StripJSONComments(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))

	i := 0
	inString := false
	for i < len(data) {
		// Track string state so comment markers inside strings survive
		if data[i] == '"' && (i == 0 || data[i-1] != '\\') {
			inString = !inString
			out.WriteByte(data[i])
			i++
			continue
		}

		if !inString && i+1 < len(data) && data[i] == '/' {
			switch data[i+1] {
			case '/':
				for i < len(data) && data[i] != '\n' {
					i++
				}
				continue
			case '*':
				i += 2
				closed := false
				for i+1 < len(data) {
					if data[i] == '*' && data[i+1] == '/' {
						i += 2
						closed = true
						break
					}
					i++
				}
				// An unterminated block comment swallows the rest
				if !closed {
					i = len(data)
				}
				continue
			}
		}

		out.WriteByte(data[i])
		i++
	}

	return out.Bytes()
}
