package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const keyPrefix = "gridgate:cache:"

// Key derives the cache key for a logical call from its operation name and
// arguments. Arguments are serialized in sorted-key order so identical
// logical requests always map to the same key regardless of argument order.
func Key(operation string, args map[string]any) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, operation)

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		encoded, err := json.Marshal(args[name])
		if err != nil {
			// Marshal only fails for unsupported value types; fall back to
			// the fmt representation rather than failing the lookup.
			encoded = []byte(fmt.Sprintf("%v", args[name]))
		}
		parts = append(parts, name+"="+string(encoded))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return keyPrefix + hex.EncodeToString(sum[:])
}
