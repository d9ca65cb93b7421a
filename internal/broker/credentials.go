package broker

import (
	"encoding/base64"
	"strings"

	"github.com/aspect-build/authgate/internal/apperr"
)

var errBadCredentials = apperr.New(apperr.CodeUnauthorized, "valid service credentials are required")

// ParseServiceCredentials reads a service id and API key from an
// Authorization header of the form "Bearer <id>:<key>" or HTTP Basic with the
// same pair.
func ParseServiceCredentials(header string) (serviceID, apiKey string, err error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return "", "", errBadCredentials
	}
	value = strings.TrimSpace(value)

	var pair string
	switch strings.ToLower(scheme) {
	case "bearer":
		pair = value
	case "basic":
		raw, decErr := base64.StdEncoding.DecodeString(value)
		if decErr != nil {
			return "", "", errBadCredentials
		}
		pair = string(raw)
	default:
		return "", "", errBadCredentials
	}

	serviceID, apiKey, ok = strings.Cut(pair, ":")
	if !ok || serviceID == "" || apiKey == "" {
		return "", "", errBadCredentials
	}
	return serviceID, apiKey, nil
}
