package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// AuthorizationKey is the metadata key carrying credentials.
const AuthorizationKey = "authorization"

// BearerAuth returns the authorization value for a bearer token.
func BearerAuth(token string) string {
	return "Bearer " + strings.TrimSpace(token)
}

// BasicAuth returns the authorization value for basic credentials. Input in
// "user:password" form is base64-encoded; anything else is taken as already
// encoded.
func BasicAuth(credentials string) string {
	credentials = strings.TrimSpace(credentials)
	if strings.Contains(credentials, ":") {
		credentials = base64.StdEncoding.EncodeToString([]byte(credentials))
	}
	return "Basic " + credentials
}

// ParseHeader splits "key: value" or "key=value" into a lower-cased key and
// its value.
func ParseHeader(s string) (string, string, error) {
	i := strings.IndexAny(s, ":=")
	if i <= 0 {
		return "", "", fmt.Errorf("header %q: want key:value", s)
	}
	key := strings.ToLower(strings.TrimSpace(s[:i]))
	if key == "" {
		return "", "", fmt.Errorf("header %q: empty key", s)
	}
	return key, strings.TrimSpace(s[i+1:]), nil
}

// MergeMetadata combines metadata maps. Keys are compared case-insensitively
// and later maps win, so every key appears exactly once in the result.
func MergeMetadata(sets ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, set := range sets {
		for k, v := range set {
			out[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return out
}
