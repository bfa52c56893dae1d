package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key layout. Pending keys sort priority-major (inverted, so higher priority
// first) then visibility-time, which keeps the receive scan a single ordered
// prefix iteration. Timestamps are zero padded to 20 digits so lexical order
// matches numeric order.
//
//	job:{queue}:{id}                             job record JSON
//	pending:{queue}:{999-prio:%03d}:{ts:%020d}:{id}   dispatch index
//	done:{queue}:{ts:%020d}:{id}                 terminal retention index
//	children:{queue}:{parentId}                  child-wait record JSON

func jobKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("job:%s:%s", queue, id))
}

func jobPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("job:%s:", queue))
}

func pendingKey(queue string, priority int, visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("pending:%s:%03d:%020d:%s", queue, invertPriority(priority), visibleAt.UnixNano(), id))
}

func pendingPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("pending:%s:", queue))
}

func doneKey(queue string, finishedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("done:%s:%020d:%s", queue, finishedAt.UnixNano(), id))
}

func donePrefix(queue string) []byte {
	return []byte(fmt.Sprintf("done:%s:", queue))
}

func childrenKey(queue, parentID string) []byte {
	return []byte(fmt.Sprintf("children:%s:%s", queue, parentID))
}

// invertPriority maps priority 1-100 so higher priorities sort first.
func invertPriority(priority int) int {
	if priority < 1 {
		priority = 1
	}
	if priority > 100 {
		priority = 100
	}
	return 999 - priority
}

// parsePendingKey extracts the visibility timestamp and job id.
func parsePendingKey(queue string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("pending:%s:", queue)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid pending key length")
	}

	// Suffix is "{3-digit-prio}:{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	parts := strings.SplitN(suffix, ":", 3)
	if len(parts) != 3 {
		return time.Time{}, "", fmt.Errorf("invalid pending key format")
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), parts[2], nil
}

// parseDoneKey extracts the job id from a retention key.
func parseDoneKey(queue string, key []byte) (string, error) {
	prefix := fmt.Sprintf("done:%s:", queue)
	if len(key) <= len(prefix) {
		return "", fmt.Errorf("invalid done key length")
	}

	suffix := string(key[len(prefix):])
	parts := strings.SplitN(suffix, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid done key format")
	}
	return parts[1], nil
}
