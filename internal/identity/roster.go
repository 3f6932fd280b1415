package identity

import (
	"encoding/json"
	"fmt"
	"os"
)

// RosterEntry is one operator in the roster file.
type RosterEntry struct {
	ID       string              `json:"id"`
	Display  string              `json:"display,omitempty"`
	Channels map[string][]string `json:"channels"` // channel name -> sender ids/addresses
}

type rosterFile struct {
	Operators []RosterEntry `json:"operators"`
}

// loadRosterFile parses the JSON roster file:
//
//	{"operators": [
//	  {"id": "ann", "display": "Ann", "channels": {"telegram": ["42"], "email": ["ann@acme.test"]}}
//	]}
func loadRosterFile(path string) ([]RosterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var f rosterFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	for i, op := range f.Operators {
		if op.ID == "" {
			return nil, fmt.Errorf("roster operator %d has no id", i)
		}
	}
	return f.Operators, nil
}
