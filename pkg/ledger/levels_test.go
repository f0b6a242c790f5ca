package ledger

import "testing"

func TestLevel(t *testing.T) {
	cases := []struct {
		xp   int64
		want int
	}{
		{-50, 1},
		{0, 1},
		{99, 1},
		{100, 2},
		{199, 2},
		{450, 5},
		{900, 10},
		{1000, 11},
	}
	for _, tc := range cases {
		if got := Level(tc.xp); got != tc.want {
			t.Errorf("Level(%d) = %d, want %d", tc.xp, got, tc.want)
		}
	}
}

func TestNextLevelXP(t *testing.T) {
	if NextLevelXP(1) != 100 {
		t.Fatalf("NextLevelXP(1) = %d", NextLevelXP(1))
	}
	if NextLevelXP(5) != 500 {
		t.Fatalf("NextLevelXP(5) = %d", NextLevelXP(5))
	}
	if NextLevelXP(0) != 100 {
		t.Fatalf("NextLevelXP clamps below 1, got %d", NextLevelXP(0))
	}
}

func TestTitleFor(t *testing.T) {
	cases := []struct {
		faction string
		level   int
		want    string
	}{
		{"Wanderer", 1, "Seeker"},
		{"Wanderer", 4, "Seeker"},
		{"Wanderer", 5, "Explorer"},
		{"Wanderer", 9, "Explorer"},
		{"Wanderer", 10, "Pattern Connector"},
		{"Wanderer", 99, "Pattern Connector"},
		{"Scribe", 1, "Recorder"},
		{"Scribe", 10, "Historian of the Future"},
		{"Scout", 5, "Cartographer"},
		{"Signalist", 10, "Oracle"},
		{"Gonzo", 5, "Journalist"},
		{"Unknown", 5, ""},
		{"", 1, ""},
	}
	for _, tc := range cases {
		if got := TitleFor(tc.faction, tc.level); got != tc.want {
			t.Errorf("TitleFor(%q, %d) = %q, want %q", tc.faction, tc.level, got, tc.want)
		}
	}
}

func TestEvolutionPathsCoverAllFactions(t *testing.T) {
	for _, faction := range []string{"Wanderer", "Scribe", "Scout", "Signalist", "Gonzo"} {
		path, ok := EvolutionPaths[faction]
		if !ok {
			t.Errorf("faction %q has no evolution path", faction)
			continue
		}
		if _, ok := path[1]; !ok {
			t.Errorf("faction %q has no level-1 title", faction)
		}
	}
}
