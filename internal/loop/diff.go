package loop

import (
	"fmt"
	"strings"
)

// DiffCounts is a line-content-set difference between two scripts: lines
// present only in the old script count as removed, lines present only in
// the new one as added. Pure reordering shows as zero.
type DiffCounts struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// DiffScripts computes the line-set difference between two script bodies.
func DiffScripts(oldScript, newScript string) DiffCounts {
	oldSet := lineSet(oldScript)
	newSet := lineSet(newScript)

	var d DiffCounts
	for line := range newSet {
		if !oldSet[line] {
			d.Added++
		}
	}
	for line := range oldSet {
		if !newSet[line] {
			d.Removed++
		}
	}
	return d
}

// FormatDiffSummary renders the counts for the tool result and approval UI.
func FormatDiffSummary(d DiffCounts) string {
	if d.Added == 0 && d.Removed == 0 {
		return "Script executed (no line changes)"
	}
	return fmt.Sprintf("Script executed (+%d -%d lines)", d.Added, d.Removed)
}

func lineSet(script string) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(script, "\n") {
		if line == "" {
			continue
		}
		set[line] = true
	}
	return set
}
