// Package wire is the structural codec for internal wire types that
// travel inside n2r/haven payloads. Every internal wire type in this tree
// is a plain struct, so JSON serves as the codec; routing this through
// one package keeps the format swappable without touching call sites.
package wire

import "encoding/json"

// Marshal encodes v using the project's wire codec.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the project's wire codec.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
