// Package display manages a bounded pool of virtual display sessions for
// headless slicer invocations. Each session binds a unique display number and
// isolates per-session configuration and cache directories so concurrent
// slicer processes never share mutable engine state.
package display
