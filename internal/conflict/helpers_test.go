package conflict

import (
	"io"
	"strings"
	"time"
)

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

func fixedTime(offsetSeconds int64) time.Time {
	return time.Unix(1700000000+offsetSeconds, 0)
}
