package ratelimit

import "fmt"

// IntakeBucketKey is the Redis hash holding one client's intake bucket.
func IntakeBucketKey(clientID string) string {
	return fmt.Sprintf("ratelimit:%s:intake", clientID)
}
