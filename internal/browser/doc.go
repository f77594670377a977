// Package browser bounds and recycles headless browser sessions shared by all
// running jobs.
//
// The Pool is a fixed arena of slots. Each slot carries a generation counter
// that advances whenever its session is created or destroyed, so a Handle
// released after its session was recycled is detected as stale instead of
// silently returning someone else's browser to the idle set.
package browser
