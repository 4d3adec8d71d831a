package bridge

import "strings"

// Level bounds on the upstream (0..254) scale.
const (
	MaxLevel = 254

	// MinLevelArtifact is the level a controller writes as a side effect of
	// switching a light off. A write at or below it is never a brightness
	// request.
	MinLevelArtifact = 1
)

const maxUniqueIDLen = 32

// LevelToPercent converts a 0..254 level to the engine's 0..100 scale,
// rounding half up. Any non-zero level maps to at least 1%.
func LevelToPercent(level int) int {
	if level <= 0 {
		return 0
	}
	if level >= MaxLevel {
		return 100
	}
	return max(1, (level*100+MaxLevel/2)/MaxLevel)
}

// PercentToLevel converts an engine percentage to the 0..254 level scale.
// 1% maps to 2, the middle of the levels 1..3 that LevelToPercent sends to
// 1%, so every level survives a round trip within one step.
func PercentToLevel(percent int) int {
	if percent <= 0 {
		return 0
	}
	if percent == 1 {
		return 2
	}
	if percent >= 100 {
		return MaxLevel
	}
	return (percent*MaxLevel + 50) / 100
}

// UniqueID derives the published unique id from a UDN: the "uuid:" prefix
// is dropped and the rest truncated to 32 characters.
func UniqueID(udn string) string {
	id := strings.TrimPrefix(udn, "uuid:")
	if len(id) > maxUniqueIDLen {
		id = id[:maxUniqueIDLen]
	}
	return id
}
