package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints
//	1 (-v)      - + Progress, startup info, session/room lifecycle
//	2 (-vv)     - + Presence diffs, timing, config loaded, HTTP requests
//	3 (-vvv)    - + Shared-store calls, broadcast fan-out, internal flow
//	4 (-vvvv)   - + Full event payload bodies, data dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Command output
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress      // Progress indicators (e.g., reconnect sweeps)
	OutputStartup       // Startup banners, config summary
	OutputSessionStatus // Session connect/disconnect/auth status
	OutputOperationInfo // High-level operation summaries

	// Level 2 (-vv) - Detailed
	OutputPresenceDiff // Presence join/leave diffs per scope
	OutputTiming       // Operation timing (e.g., "handler took 42ms")
	OutputConfig       // Config values loaded/applied
	OutputHTTPRequests // Outgoing HTTP request URLs and methods
	OutputHTTPStatus   // HTTP response status codes
	OutputStoreStats   // Shared-store cache hit/miss statistics

	// Level 3 (-vvv) - Debug
	OutputStoreCalls   // Individual shared-store operations
	OutputBroadcast    // Room broadcast fan-out (recipients, room size)
	OutputInternalFlow // Internal operation flow (function entry/exit)
	OutputSweeper      // Sweeper pass details (typing, duplicate, cache eviction)

	// Level 4 (-vvvv) - Full dump
	OutputEventBody  // Full transport event payload bodies
	OutputStoreBody  // Full shared-store values read/written
	OutputDataDump   // Full data structure contents
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	// Level 0 - Always shown
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	// Level 1 - Informational
	OutputProgress:      VerbosityInfo,
	OutputStartup:       VerbosityInfo,
	OutputSessionStatus: VerbosityInfo,
	OutputOperationInfo: VerbosityInfo,

	// Level 2 - Detailed
	OutputPresenceDiff: VerbosityDebug,
	OutputTiming:       VerbosityDebug,
	OutputConfig:       VerbosityDebug,
	OutputHTTPRequests: VerbosityDebug,
	OutputHTTPStatus:   VerbosityDebug,
	OutputStoreStats:   VerbosityDebug,

	// Level 3 - Debug
	OutputStoreCalls:   VerbosityTrace,
	OutputBroadcast:    VerbosityTrace,
	OutputInternalFlow: VerbosityTrace,
	OutputSweeper:      VerbosityTrace,

	// Level 4 - Full dump
	OutputEventBody: VerbosityAll,
	OutputStoreBody: VerbosityAll,
	OutputDataDump:  VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:       "results",
	OutputErrors:        "errors",
	OutputUserStatus:    "status",
	OutputProgress:      "progress",
	OutputStartup:       "startup",
	OutputSessionStatus: "session-status",
	OutputOperationInfo: "operation-info",
	OutputPresenceDiff:  "presence-diff",
	OutputTiming:        "timing",
	OutputConfig:        "config",
	OutputHTTPRequests:  "http-requests",
	OutputHTTPStatus:    "http-status",
	OutputStoreStats:    "store-stats",
	OutputStoreCalls:    "store-calls",
	OutputBroadcast:     "broadcast",
	OutputInternalFlow:  "internal-flow",
	OutputSweeper:       "sweeper",
	OutputEventBody:     "event-body",
	OutputStoreBody:     "store-body",
	OutputDataDump:      "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "results and errors only"
	case VerbosityInfo:
		return "results, errors, progress, session lifecycle"
	case VerbosityDebug:
		return "above + presence diffs, timing, config"
	case VerbosityTrace:
		return "above + shared-store calls, broadcast fan-out"
	case VerbosityAll:
		return "above + full event and store payload bodies"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}

// Timing helpers

// SlowThresholdMS is the threshold in milliseconds above which timing is always shown
const SlowThresholdMS = 100

// ShouldShowTiming returns true if timing info should be displayed.
// Shows if: verbosity >= 2 (-vv) OR operation exceeded slow threshold.
func ShouldShowTiming(verbosity int, durationMS int64) bool {
	if durationMS >= SlowThresholdMS {
		return true // Always show slow operations
	}
	return ShouldOutput(verbosity, OutputTiming)
}

// ShouldShowTimingAlways returns true if timing should always be shown (slow operation)
func ShouldShowTimingAlways(durationMS int64) bool {
	return durationMS >= SlowThresholdMS
}

// ShouldShowBroadcast returns true if room broadcast fan-out details should be logged
func ShouldShowBroadcast(verbosity int) bool {
	return ShouldOutput(verbosity, OutputBroadcast)
}

// ShouldShowStoreCalls returns true if individual shared-store calls should be logged
func ShouldShowStoreCalls(verbosity int) bool {
	return ShouldOutput(verbosity, OutputStoreCalls)
}
