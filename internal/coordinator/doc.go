// Package coordinator implements the measurement coordinator: it accepts
// control connections from agents, fans console commands out to every
// connected peer, and multiplexes all control traffic, data traffic and
// timers on a single event-loop goroutine.
//
// Concurrency model:
//
//   - One loop goroutine owns every Peer, every engine and all session
//     state. Nothing else touches them; there are no locks around peers.
//   - Socket readers are pump goroutines: one per control connection and
//     one per data socket. They convert bytes into immutable event values
//     on the loop's event channel and hold no session state.
//   - The console thread talks to the loop only through the buffered
//     command channel (PushCommand) and the peer counter.
//
// Failures are peer-local: a timeout or transport error fails one peer and
// surfaces OnPeerStopped with a nil statistic while the loop keeps serving
// the others.
package coordinator
