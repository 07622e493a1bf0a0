package timeutil

import "time"

// ISOSeconds is the wire timestamp layout used across run metadata,
// pass results, and the live log buffer.
const ISOSeconds = "2006-01-02T15:04:05Z"

func NowISO() string {
	return time.Now().UTC().Format(ISOSeconds)
}
