package utils

import (
	"fmt"
	"time"
)

// ParseDuration extends time.ParseDuration with days ("7d") and weeks ("2w").
// A bare integer is read as seconds, which is how most token endpoints express lifetimes.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var n int
	var unit string
	if c, err := fmt.Sscanf(s, "%d%s", &n, &unit); err == nil && c == 2 {
		switch unit {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "w":
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}

	if c, err := fmt.Sscanf(s, "%d", &n); err == nil && c == 1 && fmt.Sprint(n) == s {
		return time.Duration(n) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration: %s", s)
}
