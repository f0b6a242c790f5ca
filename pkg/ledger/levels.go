// Package ledger appends XP awards and derives agent levels and faction
// titles from the cumulative total.
package ledger

import "sort"

// LevelStep is the XP required per level.
const LevelStep = 100

// Level is 1 + floor(xp / 100). Never below 1.
func Level(xp int64) int {
	if xp < 0 {
		return 1
	}
	return 1 + int(xp/LevelStep)
}

// NextLevelXP is the cumulative XP at which the next level is reached.
func NextLevelXP(level int) int64 {
	if level < 1 {
		level = 1
	}
	return int64(level) * LevelStep
}

// EvolutionPaths maps faction -> level requirement -> title.
var EvolutionPaths = map[string]map[int]string{
	"Wanderer":  {1: "Seeker", 5: "Explorer", 10: "Pattern Connector"},
	"Scribe":    {1: "Recorder", 5: "Chronicler", 10: "Historian of the Future"},
	"Scout":     {1: "Pathfinder", 5: "Cartographer", 10: "Vanguard"},
	"Signalist": {1: "Analyst", 5: "Decoder", 10: "Oracle"},
	"Gonzo":     {1: "Observer", 5: "Journalist", 10: "Protagonist"},
}

// TitleFor returns the highest configured title whose level requirement is at
// or below the agent's level, or "" for an unknown faction.
func TitleFor(faction string, level int) string {
	path, ok := EvolutionPaths[faction]
	if !ok {
		return ""
	}
	steps := make([]int, 0, len(path))
	for requirement := range path {
		steps = append(steps, requirement)
	}
	sort.Ints(steps)
	title := ""
	for _, requirement := range steps {
		if level >= requirement {
			title = path[requirement]
		}
	}
	return title
}
