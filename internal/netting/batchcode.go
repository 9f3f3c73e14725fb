package netting

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	batchCodePrefix = "BATCH"
	// FirstBatchSequence is the sequence number given to the first batch ever created.
	FirstBatchSequence int64 = 1001
)

// FormatBatchCode renders BATCH-{seq:04d}-{YYYYMMDD}.
func FormatBatchCode(seq int64, created time.Time) string {
	return fmt.Sprintf("%s-%04d-%s", batchCodePrefix, seq, created.Format("20060102"))
}

// ParseBatchSequence extracts the numeric sequence of a batch code.
func ParseBatchSequence(code string) (int64, bool) {
	parts := strings.Split(code, "-")
	if len(parts) != 3 || parts[0] != batchCodePrefix {
		return 0, false
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	if _, err := time.Parse("20060102", parts[2]); err != nil {
		return 0, false
	}
	return seq, true
}

// NextBatchSequence returns max(existing sequence)+1, never below FirstBatchSequence.
// Malformed codes are ignored.
func NextBatchSequence(codes []string) int64 {
	next := FirstBatchSequence
	for _, code := range codes {
		seq, ok := ParseBatchSequence(code)
		if !ok {
			continue
		}
		if seq+1 > next {
			next = seq + 1
		}
	}
	return next
}
