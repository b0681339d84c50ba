// Package detect finds waypoint file changes in watched directories.
//
// Two paths feed one result per check:
//
//   - primary: an inotify subscription (IN_MODIFY, IN_CREATE, IN_CLOSE_WRITE,
//     IN_MOVED_TO) read with a short timeout
//   - fallback: a walk comparing file mtimes against a cache, entered only
//     when the primary path reported nothing
//
// Event delivery can stop silently (watch exhaustion, remounted paths), so
// the fallback is always available. If inotify cannot be initialised the
// detector is poll-only for its lifetime.
//
// A check yields NoChange, PrimaryHit or FallbackHit. The tag stays set
// until ResetFlags, which callers invoke once per cycle.
package detect
