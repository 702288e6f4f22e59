// Package protocol implements framing for the Bluefruit UART link.
package protocol

import "unicode/utf8"

// MaxWriteBytes is the usable payload of a single UART characteristic
// write at the default ATT MTU (23 - 3 bytes of ATT header).
const MaxWriteBytes = 20

// ChunkPayload splits payload into writes that each fit within maxBytes.
// It prefers splitting after a space and never splits in the middle of a
// UTF-8 character. Returns nil for an empty payload.
func ChunkPayload(payload string, maxBytes int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = MaxWriteBytes
	}
	if len(payload) <= maxBytes {
		return [][]byte{[]byte(payload)}
	}

	var chunks [][]byte
	for len(payload) > 0 {
		if len(payload) <= maxBytes {
			chunks = append(chunks, []byte(payload))
			break
		}

		// Walk back to the start of a rune.
		split := maxBytes
		for split > 0 && !utf8.RuneStart(payload[split]) {
			split--
		}
		if split == 0 {
			// A single rune wider than maxBytes; send it whole.
			_, size := utf8.DecodeRuneInString(payload)
			split = size
		}

		if sp := lastSpace(payload[:split]); sp > 0 {
			split = sp
		}

		chunks = append(chunks, []byte(payload[:split]))
		payload = payload[split:]
	}
	return chunks
}

// lastSpace returns the index just past the last space in s, or -1.
func lastSpace(s string) int {
	for i := len(s); i > 0; i-- {
		if s[i-1] == ' ' {
			return i
		}
	}
	return -1
}
