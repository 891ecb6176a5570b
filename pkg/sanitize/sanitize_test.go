package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"plain", "audio device busy", 0, "audio device busy"},
		{"trimmed", "  no route \n", 0, "no route"},
		{"tags", "<b>port</b> in use", 0, "port in use"},
		{"control", "bad\x00\x07 input", 0, "bad input"},
		{"truncated", "héllo wörld", 5, "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Text(tt.input, tt.max))
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "usb-headset_2", Label(" usb-headset_2 ", 32))
	assert.Equal(t, "microphone", Label("micro phone;", 32))
	assert.Equal(t, "abc", Label("abcdef", 3))
	assert.Equal(t, "", Label("<>", 32))
}
