package gateway

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const instancePrefix = "stampbox"

// InstanceName derives the gateway instance of a business: the prefix
// followed by the lowercase hex of the id, without separators.
func InstanceName(businessID uuid.UUID) string {
	return instancePrefix + hex.EncodeToString(businessID[:])
}

// ParseInstanceName returns the business id encoded in an instance name.
func ParseInstanceName(name string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(name, instancePrefix)
	if !ok || len(raw) != 32 {
		return uuid.Nil, fmt.Errorf("'%s' is not a stampbox instance name", name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("'%s' is not a stampbox instance name: %w", name, err)
	}
	return uuid.FromBytes(b)
}
