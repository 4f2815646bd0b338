package util

// ToInt64 converts a redis Lua reply element to int64.
// Handles the int64 / float64 / uint64 shapes go-redis may return.
func ToInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return 0
	}
}
