package scope

import (
	"fmt"
	"strings"
)

// SplitResults splits a comma separated statistics reply into fields. An
// empty reply has no fields.
func SplitResults(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}
	fields := strings.Split(reply, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// ReadStatistics turns on the statistics display, queries the results
// table and decodes it for f.
func ReadStatistics(c Commander, f Family) ([]StatisticsRecord, error) {
	for _, cmd := range f.StatSetup {
		if err := c.Write(cmd); err != nil {
			return nil, fmt.Errorf("statistics setup: %w", err)
		}
	}
	query := f.StatQuery
	if query == "" {
		query = CmdMeasureResults
	}
	reply, err := c.Query(query)
	if err != nil {
		return nil, fmt.Errorf("statistics query: %w", err)
	}
	return f.DecodeStatistics(SplitResults(reply)), nil
}
