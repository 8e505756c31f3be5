// Package relay pairs each downstream client with one Gemini Live session.
//
// A Session is a single-goroutine actor: client commands, upstream events
// and timers are all handled on its Run goroutine, so turn state needs no
// locking beyond the snapshot read by monitoring endpoints. Outbound frames
// go through one writer that delivers interrupt notices ahead of queued
// audio and drops audio belonging to an interrupted turn.
//
// Turn lifecycle:
//
//	Idle -> Starting -> Ready -> UserTurnPending -> ModelTurnStreaming -> Ready
//
// An interrupt returns UserTurnPending or ModelTurnStreaming to Ready. Any
// fatal upstream failure moves the session to Errored.
package relay
