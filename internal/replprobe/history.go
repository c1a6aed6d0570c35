package replprobe

import (
	"fmt"
	"strconv"
	"strings"
)

// parseTimelineHistory parses a Postgres .history file's content and
// returns the entry for targetTLI: the timeline number and the LSN at
// which that timeline ended, where its successor forked off.
//
// Each line is "<tli>\t<LSN>\t<reason>"; the file lists every ancestor
// timeline, one per line, in order.
func parseTimelineHistory(content []byte, targetTLI int) (TimelineEntry, error) {
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tli, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if tli != targetTLI {
			continue
		}
		lsn, err := ParseLSN(fields[1])
		if err != nil {
			return TimelineEntry{}, fmt.Errorf("parse timeline history entry: %w", err)
		}
		return TimelineEntry{Timeline: tli, EndLSN: lsn}, nil
	}
	return TimelineEntry{}, fmt.Errorf("timeline %d not found in history", targetTLI)
}
