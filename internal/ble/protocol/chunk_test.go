package protocol

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

const testMaxBytes = 20

func join(chunks [][]byte) string {
	return string(bytes.Join(chunks, nil))
}

func TestChunkPayloadFitsInOne(t *testing.T) {
	chunks := ChunkPayload("OPEN1", testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0]) != "OPEN1" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "OPEN1")
	}
}

func TestChunkPayloadEmpty(t *testing.T) {
	if chunks := ChunkPayload("", testMaxBytes); chunks != nil {
		t.Errorf("got %d chunks for empty payload, want nil", len(chunks))
	}
}

func TestChunkPayloadSplitsAtWordBoundary(t *testing.T) {
	text := "OPEN1 OPEN2 OPEN3 OPEN4 OPEN5"
	chunks := ChunkPayload(text, testMaxBytes)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testMaxBytes {
			t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
		}
	}
	if string(chunks[0]) != "OPEN1 OPEN2 OPEN3 " {
		t.Errorf("chunk[0] = %q, want split after a space", chunks[0])
	}
	if got := join(chunks); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkPayloadUTF8NeverSplitsMidRune(t *testing.T) {
	// Each emoji is 4 bytes. With max=10, two fit per chunk.
	text := "\U0001F600\U0001F601\U0001F602\U0001F603\U0001F604"
	chunks := ChunkPayload(text, 10)
	for i, c := range chunks {
		if len(c) > 10 {
			t.Errorf("chunk[%d] len=%d exceeds max=10", i, len(c))
		}
		if !utf8.Valid(c) {
			t.Errorf("chunk[%d] = %x is not valid UTF-8", i, c)
		}
	}
	if got := join(chunks); got != text {
		t.Errorf("reassembled = %q, want %q", got, text)
	}
}

func TestChunkPayloadBoundaries(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"exact fit", strings.Repeat("a", testMaxBytes), 1},
		{"one byte over", strings.Repeat("a", testMaxBytes+1), 2},
		{"long word forced", strings.Repeat("x", 3*testMaxBytes), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkPayload(tt.text, testMaxBytes)
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.want)
			}
			if got := join(chunks); got != tt.text {
				t.Errorf("reassembled length = %d, want %d", len(got), len(tt.text))
			}
		})
	}
}

func TestChunkPayloadZeroMaxUsesDefault(t *testing.T) {
	text := strings.Repeat("b", MaxWriteBytes+5)
	chunks := ChunkPayload(text, 0)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != MaxWriteBytes {
		t.Errorf("chunk[0] len = %d, want %d", len(chunks[0]), MaxWriteBytes)
	}
}

func TestChunkPayloadMaxSmallerThanRune(t *testing.T) {
	// 4-byte emoji with maxBytes=1 must still make forward progress
	text := "\U0001F600"
	chunks := ChunkPayload(text, 1)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (single rune forced)", len(chunks))
	}
	if string(chunks[0]) != text {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], text)
	}
}
