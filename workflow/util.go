package workflow

import "time"

// timeLayout is the RFC3339Nano format used for every timestamp the engine
// writes to a checkpoint, chosen for lexical sortability and cross-language
// portability of the persisted JSON.
const timeLayout = time.RFC3339Nano

func parseTimeLayout(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
