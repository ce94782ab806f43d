package tasks

import (
	"strconv"
	"strings"
	"time"
)

const idLayout = "2006-01-02-15-04-05"

// ParseID returns the submission time encoded in a backend task id.
// Ids are local wall-clock seconds followed by a three digit millisecond suffix.
func ParseID(id string) (time.Time, error) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 || len(id)-idx-1 != 3 {
		return time.Time{}, ErrInvalidID
	}

	ts, err := time.ParseInLocation(idLayout, id[:idx], time.Local)
	if err != nil {
		return time.Time{}, ErrInvalidID
	}
	suffix := id[idx+1:]
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return time.Time{}, ErrInvalidID
		}
	}
	millis, err := strconv.Atoi(suffix)
	if err != nil {
		return time.Time{}, ErrInvalidID
	}

	return ts.Add(time.Duration(millis) * time.Millisecond), nil
}
