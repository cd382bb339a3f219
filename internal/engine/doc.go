// Package engine implements the measurement traffic engines: the sender and
// receiver halves of the echo (round-trip) and send (one-way) experiments.
//
// Engines are deliberately passive. They own counters and pacing state but
// no goroutines, sockets or clocks: the session that owns an engine calls
// into it with explicit timestamps and the engine writes datagrams through
// an injected io.Writer. That keeps the whole measurement single-threaded
// under the session's event loop and makes the timing and classification
// logic testable against a recorded clock.
//
// Engine selection is a pure function of the command variant:
//
//	command        coordinator side    agent side
//	ping (Echo)    EchoSender          EchoResponder
//	send (Send)    SendSender          SendReceiver
package engine
