package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
)

// readAll drains the request body. The 10 MiB cap is already enforced by
// the MaxBodySize global middleware via http.MaxBytesReader.
func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// encodeKey renders a raw key as hex for inclusion in a JSON response.
func encodeKey(key []byte) string {
	return hex.EncodeToString(key)
}
