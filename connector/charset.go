package connector

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

func lookupCharset(name string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "UTF8") {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", name, err)
	}
	return enc, nil
}

// decodeText converts bytes in the named charset to a UTF-8 string.
func decodeText(data []byte, charset string) (string, error) {
	enc, err := lookupCharset(charset)
	if err != nil || enc == nil {
		return string(data), err
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", charset, err)
	}
	return string(out), nil
}

// encodeText converts a UTF-8 string to bytes in the named charset.
func encodeText(s, charset string) ([]byte, error) {
	enc, err := lookupCharset(charset)
	if err != nil || enc == nil {
		return []byte(s), err
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", charset, err)
	}
	return out, nil
}

// firstCharset returns the first non-empty name.
func firstCharset(names ...string) string {
	for _, n := range names {
		if n != "" {
			return n
		}
	}
	return "UTF-8"
}
