package desktop

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeButton(t *testing.T) {
	cases := map[string]string{
		"":        "left",
		" Left ":  "left",
		"RIGHT":   "right",
		"middle":  "center",
		"wheel":   "center",
		"xbutton": "xbutton",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeButton(in), in)
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Win":       "cmd",
		"command":   "cmd",
		"Control":   "ctrl",
		"Return":    "enter",
		"esc":       "escape",
		"ArrowLeft": "left",
		"a":         "a",
		"F5":        "f5",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKey(in), in)
	}
}

func TestPasteModifier(t *testing.T) {
	if runtime.GOOS == "darwin" {
		assert.Equal(t, "cmd", PasteModifier())
		return
	}
	assert.Equal(t, "ctrl", PasteModifier())
}
