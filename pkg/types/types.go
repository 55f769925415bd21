package types

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"
)

// ErrMissingParam is returned when a command lacks a required parameter.
var ErrMissingParam = errors.New("missing required parameter")

// Command names understood by the executor.
const (
	MoveCursorAbsolute  = "move_cursor_absolute"
	MoveCursorRelative  = "move_cursor_relative"
	MouseButton         = "mouse_button"
	DoubleClick         = "double_click"
	DragTo              = "drag_to"
	MouseDown           = "mouse_down"
	MouseUp             = "mouse_up"
	PressKey            = "press_key"
	PressHotkey         = "press_hotkey"
	EnterText           = "enter_text"
	Scroll              = "scroll"
	Wait                = "wait"
	Listen              = "listen"
	MoveCursorToElement = "move_cursor_to_element"
	MoveCursorToCell    = "move_cursor_to_cell"
)

// Command is a single action parsed from model output.
type Command struct {
	Name   string         `json:"command"`
	Params map[string]any `json:"params"`
}

// String renders the command the way it is reported back to the model.
func (c Command) String() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s %v", c.Name, c.Params)
}

func (c Command) lookup(key string) (any, error) {
	v, ok := c.Params[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: %w %q", c.Name, ErrMissingParam, key)
	}
	return v, nil
}

// Int returns an integer parameter. JSON numbers and numeric strings are accepted.
func (c Command) Int(key string) (int, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: parameter %q: %w", c.Name, key, err)
	}
	return int(math.Round(f)), nil
}

// Float returns a floating point parameter.
func (c Command) Float(key string) (float64, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: parameter %q: %w", c.Name, key, err)
	}
	return f, nil
}

// Str returns a string parameter. Non-string values are formatted.
func (c Command) Str(key string) (string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return s, nil
}

// StrOr returns a string parameter or def when it is absent.
func (c Command) StrOr(key, def string) string {
	s, err := c.Str(key)
	if err != nil || s == "" {
		return def
	}
	return s
}

// FloatOr returns a float parameter or def when it is absent or invalid.
func (c Command) FloatOr(key string, def float64) float64 {
	f, err := c.Float(key)
	if err != nil {
		return def
	}
	return f
}

// Strings returns a list parameter as strings.
func (c Command) Strings(key string) ([]string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		return []string{t}, nil
	}
	return nil, fmt.Errorf("%s: parameter %q is not a list", c.Name, key)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		var f float64
		if _, err := fmt.Sscan(t, &f); err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

// CommandResult records the outcome of one attempted command.
type CommandResult struct {
	Command Command `json:"command"`
	Success bool    `json:"success"`
	Message string  `json:"message"`
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one piece of message content: text, or an image given as a data URL.
type Part struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// IsImage reports whether the part carries an image.
func (p Part) IsImage() bool { return p.ImageURL != "" }

// Message is one turn of the conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a message holding a single text part.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.IsImage() {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// TranscriptionEvent is one finished speech recognition result.
type TranscriptionEvent struct {
	Text       string    `json:"text"`
	ProducedAt time.Time `json:"produced_at"`
}

// AgentState is the process-wide agent status.
type AgentState int32

const (
	Initializing AgentState = iota
	Running
	AwaitingUser
	ExecutingCommands
	RecognizingSpeech
	Paused
	Stopped
)

func (s AgentState) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case AwaitingUser:
		return "AwaitingUser"
	case ExecutingCommands:
		return "ExecutingCommands"
	case RecognizingSpeech:
		return "RecognizingSpeech"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Point is a screen coordinate.
type Point = image.Point
