package session

import (
	"fmt"
	"strings"
)

type Tool string

const (
	ToolNone     Tool = "none"
	ToolResize   Tool = "resize"
	ToolCrop     Tool = "crop"
	ToolCompress Tool = "compress"
	ToolConvert  Tool = "convert"
	ToolAI       Tool = "ai"
)

func ParseTool(raw string) (Tool, error) {
	t := Tool(strings.ToLower(strings.TrimSpace(raw)))
	if t == "" {
		return ToolNone, nil
	}
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, raw)
	}
	return t, nil
}

func (t Tool) Valid() bool {
	switch t {
	case ToolNone, ToolResize, ToolCrop, ToolCompress, ToolConvert, ToolAI:
		return true
	default:
		return false
	}
}

// Mutating reports whether applying the tool produces a new artifact.
func (t Tool) Mutating() bool {
	switch t {
	case ToolResize, ToolCrop, ToolCompress, ToolConvert:
		return true
	default:
		return false
	}
}

func (t Tool) String() string {
	if t == "" {
		return string(ToolNone)
	}
	return string(t)
}
