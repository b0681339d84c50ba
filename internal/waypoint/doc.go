// Package waypoint owns the canonical waypoint store.
//
// The Store assigns 16-bit identifiers from a counter starting at 1000,
// rejects additions that collide with an existing explicit id, and
// classifies updates as Changed, NoOp or NotFound. Only mutations that
// change an observable field notify subscribers, which is what drives bus
// broadcasts and device conversions downstream.
//
// Persistence goes through Repository (SQLite in production). The canonical
// on-disk representation shared with the converter is GPX 1.1; see ReadGPX
// and WriteGPX.
//
// Thread Safety: all Store methods are safe for concurrent use. Mutations
// are serialised; reads return copies.
package waypoint
