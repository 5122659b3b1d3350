// Package speech provides streaming clients for the cloud recognition and
// synthesis services.
//
// Both clients share one connection core handling reconnect backoff,
// ping/pong liveness, and idle close, and differ only in session shape:
// recognition uploads audio chunks and receives text, synthesis uploads text
// and receives audio.
package speech
