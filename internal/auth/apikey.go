package auth

const (
	// APIKeyPrefix marks bridge API keys so they are never confused with
	// GHL access tokens in logs or headers.
	APIKeyPrefix = "gb_"

	// APIKeyMinLen is the prefix plus 32 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// GenerateAPIKey returns a new random key in the bridge format.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(24)
}
