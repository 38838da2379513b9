package orchestrator

import (
	"encoding/base64"
	"fmt"
)

// IVs are base64 on the wire and in storage. Earlier revisions of the
// system wrote hex in places; base64 is canonical and the single encoding
// written here.

func encodeIV(iv []byte) string {
	return base64.StdEncoding.EncodeToString(iv)
}

func decodeIV(encoded string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode IV: %w", err)
	}
	return iv, nil
}
