package aicore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/gesture"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// Tool names the model may call.
const (
	ToolPerformGesture = "perform_gesture"
	ToolPlaySound      = "play_sound"
	ToolTakeSnapshot   = "take_snapshot"
	ToolRemember       = "remember"
	ToolRecall         = "recall"
	ToolStreamMusic    = "stream_youtube_music"
)

// ToolDefinitions is the catalog sent in session.update. The gesture enum
// comes from the shared action library so the model and the injector speak
// one vocabulary.
func ToolDefinitions() []realtime.Tool {
	gestures := make([]any, len(gesture.Names))
	for i, g := range gesture.Names {
		gestures[i] = g
	}
	return []realtime.Tool{
		{
			Type:        "function",
			Name:        ToolPerformGesture,
			Description: "Perform a physical gesture to express emotion or emphasis.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"gesture_name": map[string]any{"type": "string", "enum": gestures},
					"speed":        map[string]any{"type": "string", "enum": []any{"slow", "med", "fast"}},
				},
				"required": []any{"gesture_name"},
			},
		},
		{
			Type:        "function",
			Name:        ToolPlaySound,
			Description: "Play a named sound effect through the speaker.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sound_name": map[string]any{"type": "string"},
				},
				"required": []any{"sound_name"},
			},
		},
		{
			Type:        "function",
			Name:        ToolTakeSnapshot,
			Description: "Take a camera snapshot to see what is in front of you.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        ToolRemember,
			Description: "Store something worth remembering about this conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message":    map[string]any{"type": "string"},
					"response":   map[string]any{"type": "string"},
					"category":   map[string]any{"type": "string"},
					"importance": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
				},
				"required": []any{"message"},
			},
		},
		{
			Type:        "function",
			Name:        ToolRecall,
			Description: "Search stored memories for relevant context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":          map[string]any{"type": "string"},
					"category":       map[string]any{"type": "string"},
					"limit":          map[string]any{"type": "integer"},
					"min_importance": map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
		},
		{
			Type:        "function",
			Name:        ToolStreamMusic,
			Description: "Stream background music matching a category or mood.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{"type": "string"},
					"mood":     map[string]any{"type": "string"},
				},
			},
		},
	}
}

// dispatchTool executes one tool call and returns the JSON result handed
// back to the model. Failures are reported in-band; the model can recover
// conversationally.
func (c *Core) dispatchTool(name, argsJSON string) string {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return toolError(fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	switch name {
	case ToolPerformGesture:
		return c.toolPerformGesture(args)
	case ToolPlaySound:
		return c.toolPlaySound(args)
	case ToolTakeSnapshot:
		c.publishSnapPic("tool_call")
		return toolSuccess(map[string]any{"status": "success", "note": "snapshot requested"})
	case ToolRemember:
		return c.toolMemory("remember", args)
	case ToolRecall:
		return c.toolMemory("recall", args)
	case ToolStreamMusic:
		return c.toolStreamMusic(args)
	default:
		slog.Warn("unknown tool requested", "tool", name)
		return toolError("unknown tool: " + name)
	}
}

func (c *Core) toolPerformGesture(args map[string]any) string {
	name, _ := args["gesture_name"].(string)
	if name == "" {
		return toolError("gesture_name is required")
	}
	speed, _ := args["speed"].(string)
	switch speed {
	case "slow", "med", "fast":
	default:
		speed = "med"
	}
	action := name + ":" + speed

	err := c.Publish("robot_action", map[string]any{
		"actions":   []string{action},
		"source":    "tool_call",
		"timestamp": time.Now().Unix(),
	}, bus.PriorityNormal)
	if err != nil {
		return toolError(err.Error())
	}

	c.mu.Lock()
	c.gestureCalls++
	c.mu.Unlock()
	return toolSuccess(map[string]any{"status": "success", "gesture": action})
}

func (c *Core) toolPlaySound(args map[string]any) string {
	name, _ := args["sound_name"].(string)
	if name == "" {
		return toolError("sound_name is required")
	}
	err := c.Publish("robot_action", map[string]any{
		"actions":   []string{"play_sound " + name},
		"source":    "tool_call",
		"timestamp": time.Now().Unix(),
	}, bus.PriorityNormal)
	if err != nil {
		return toolError(err.Error())
	}
	return toolSuccess(map[string]any{"status": "success", "sound": name})
}

func (c *Core) toolMemory(operation string, args map[string]any) string {
	err := c.Publish("memory_request", map[string]any{
		"operation": operation,
		"params":    args,
		"timestamp": time.Now().Unix(),
	}, bus.PriorityNormal)
	if err != nil {
		return toolError(err.Error())
	}
	return toolSuccess(map[string]any{"status": "success", "operation": operation})
}

func (c *Core) toolStreamMusic(args map[string]any) string {
	payload := map[string]any{
		"timestamp": time.Now().Unix(),
	}
	if v, ok := args["category"].(string); ok && v != "" {
		payload["category"] = v
	}
	if v, ok := args["mood"].(string); ok && v != "" {
		payload["mood"] = v
	}
	if err := c.Publish("music_request", payload, bus.PriorityLow); err != nil {
		return toolError(err.Error())
	}
	return toolSuccess(map[string]any{"status": "success"})
}

func toolSuccess(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return `{"status":"error","error":"result marshal failed"}`
	}
	return string(data)
}

func toolError(msg string) string {
	data, _ := json.Marshal(map[string]any{"status": "error", "error": msg})
	return string(data)
}
