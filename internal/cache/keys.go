package cache

import "fmt"

func ProfileKey(userID string) string {
	return fmt.Sprintf("profile:%s", userID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
