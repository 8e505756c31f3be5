// Package audio handles the relay's audio formats and per-turn buffering.
// It frames mono 16-bit PCM in the canonical 44-byte WAV container, decodes
// captured audio (WAV or MP3) and resamples it to the upstream rate, and
// aggregates streamed model fragments until the turn completes.
package audio
