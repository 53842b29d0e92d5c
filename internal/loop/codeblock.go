package loop

import "strings"

// userscriptMarker identifies a complete userscript inside model prose.
const userscriptMarker = "==UserScript=="

// ExtractScriptBlock scans assistant prose for fenced code blocks and picks
// the one most likely to be a complete script: a block carrying the
// userscript header wins, otherwise the longest block. Returns "" when no
// block is found. This is the fallback for a model that narrates code
// instead of calling the tool.
func ExtractScriptBlock(text string) string {
	blocks := fencedBlocks(text)
	if len(blocks) == 0 {
		return ""
	}

	best := ""
	for _, b := range blocks {
		if strings.Contains(b, userscriptMarker) {
			return b
		}
		if len(b) > len(best) {
			best = b
		}
	}
	return best
}

func fencedBlocks(text string) []string {
	var blocks []string
	lines := strings.Split(text, "\n")
	inBlock := false
	var current []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				block := strings.TrimSpace(strings.Join(current, "\n"))
				if block != "" {
					blocks = append(blocks, block)
				}
				current = nil
				inBlock = false
			} else {
				inBlock = true
			}
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}
