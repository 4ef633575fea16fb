// Package broadcast is the realtime core: the connection Registry and the event Dispatcher.
//
// The Registry is an actor. One goroutine owns every connection, its subscription set and the
// channel reverse index, and serves typed commands from a buffered channel. Callers never touch
// the maps directly. The same goroutine runs the periodic idle sweep.
//
// The Dispatcher validates domain events, builds each payload once and asks the Registry to hand
// the encoded frame to every subscriber of each target channel. Sessions queue frames without
// blocking, so one slow client never delays the others.
package broadcast
