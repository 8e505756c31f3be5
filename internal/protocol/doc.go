// Package protocol defines the JSON envelopes exchanged between the relay and
// its clients. Every envelope has a "type" discriminator; binary audio is
// carried base64-encoded inside the envelope.
package protocol
