package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// Hash fingerprints a run: the sorted command tokens, the exchange, the tag
// and the hash of the applied parameters. Identical inputs give identical
// hashes regardless of flag order.
func Hash(command []string, exchange, tag, paramsHash string) string {
	tokens := slices.Clone(command)
	slices.Sort(tokens)

	data := strings.Join(tokens, " ") + "|" + exchange + "|" + tag + "|" + paramsHash
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ParamsHash fingerprints a parameter set. encoding/json sorts map keys, so
// equal maps hash equally.
func ParamsHash(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	blob, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
