// Package upstream implements the client side of the Gemini Live
// bidirectional streaming API. It dials the WebSocket endpoint with retry
// and backoff, performs the setup handshake, submits user turns and
// interrupts, and turns inbound frames into ordered events.
package upstream
