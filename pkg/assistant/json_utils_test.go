package assistant

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskagent/pkg/types"
)

func TestParseCommands_EndToEnd(t *testing.T) {
	reply := `Click it {"command":"mouse_button","params":{"button":"left"}} done`

	cmds, rest := ParseCommands(reply)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.MouseButton, cmds[0].Name)
	assert.Equal(t, "left", cmds[0].Params["button"])
	assert.Equal(t, "Click it  done", rest)
}

func TestExtract_MultipleObjectsInOrder(t *testing.T) {
	text := `First {"command":"move_cursor_absolute","params":{"x":10,"y":20}} then ` +
		`{"command":"mouse_button","params":{}} and finally {"command":"wait","params":{"seconds":1}}.`

	objs, rest := Extract(text)
	require.Len(t, objs, 3)
	assert.Contains(t, string(objs[0]), "move_cursor_absolute")
	assert.Contains(t, string(objs[1]), "mouse_button")
	assert.Contains(t, string(objs[2]), "wait")
	assert.Equal(t, "First  then  and finally .", rest)
	assert.NotContains(t, rest, "{")
	assert.NotContains(t, rest, "}")
}

func TestExtract_ManyObjects(t *testing.T) {
	for n := 0; n < 20; n++ {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString("step ")
			b.WriteString(`{"command":"press_key","params":{"key":"a"}}`)
			b.WriteString(" ")
		}
		objs, rest := Extract(b.String())
		assert.Len(t, objs, n)
		assert.NotContains(t, rest, "{")
		assert.NotContains(t, rest, "}")
	}
}

func TestExtract_UnbalancedOpenBrace(t *testing.T) {
	text := `Starting {"command":"mouse_button","params":{"button":"left"}`

	done := make(chan struct{})
	var objs []any
	var rest string
	go func() {
		defer close(done)
		raws, r := Extract(text)
		for _, raw := range raws {
			objs = append(objs, raw)
		}
		rest = r
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Extract did not return")
	}
	assert.Empty(t, objs)
	assert.Equal(t, text, rest)
}

func TestExtract_UnbalancedThenValid(t *testing.T) {
	objs, _ := Extract(`{ broken {"command":"listen","params":{}}`)
	assert.Empty(t, objs, "the open region swallows everything after it")
}

func TestExtract_UnterminatedQuoteThenValid(t *testing.T) {
	text := `oops {"a: 1} then {"command":"listen","params":{}} end`

	objs, rest := Extract(text)
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"command":"listen","params":{}}`, string(objs[0]))
	assert.Equal(t, `oops {"a: 1} then  end`, rest)
}

func TestExtract_StrayClosingBrace(t *testing.T) {
	objs, rest := Extract(`} oops }} {"command":"listen","params":{}} end`)
	require.Len(t, objs, 1)
	assert.Equal(t, `} oops }}  end`, rest)
}

func TestExtract_MalformedSpanDropped(t *testing.T) {
	text := `bad {command: listen} good {"command":"listen","params":{}}`
	objs, rest := Extract(text)
	require.Len(t, objs, 1)
	assert.Contains(t, string(objs[0]), `"listen"`)
	assert.Equal(t, "bad {command: listen} good", rest)
}

func TestExtract_UnescapesUnderscores(t *testing.T) {
	text := `Typing {"command":"enter\_text","params":{"text":"snake\_case"}}`
	cmds, rest := ParseCommands(text)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.EnterText, cmds[0].Name)
	assert.Equal(t, "snake_case", cmds[0].Params["text"])
	assert.Equal(t, "Typing", rest)
}

func TestExtract_BracesInsideStrings(t *testing.T) {
	text := `{"command":"enter_text","params":{"text":"func() { return }"}} ok`
	cmds, rest := ParseCommands(text)
	require.Len(t, cmds, 1)
	assert.Equal(t, "func() { return }", cmds[0].Params["text"])
	assert.Equal(t, "ok", rest)
}

func TestParseCommands_SkipsNonCommands(t *testing.T) {
	cmds, rest := ParseCommands(`{"note":"x"} {"command":"listen"} {"command":5}`)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.Listen, cmds[0].Name)
	assert.NotNil(t, cmds[0].Params)
	assert.Equal(t, "", rest)
}

func TestExtract_NoJSON(t *testing.T) {
	objs, rest := Extract("  just narrative  ")
	assert.Empty(t, objs)
	assert.Equal(t, "just narrative", rest)
}
