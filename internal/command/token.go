package command

import "sync/atomic"

// tokenAlphabet is the 62-character pool measurement tokens are drawn from.
// A token stamps every data packet of one in-flight command so receivers
// can discard stale datagrams from an earlier run.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var tokenIndex atomic.Uint32

// nextToken hands out tokens round-robin. Process-wide: the console thread
// constructs commands while the event loop owns everything else.
func nextToken() byte {
	n := tokenIndex.Add(1) - 1
	return tokenAlphabet[n%uint32(len(tokenAlphabet))]
}
