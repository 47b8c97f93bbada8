package providers

import (
	"encoding/json"
	"fmt"
)

// Content is a message's body: either a plain string (the common case) or an
// ordered list of typed Blocks (text mixed with images and tool calls). On
// the wire this is exactly OpenAI's and Anthropic's own "content" field
// shape — a bare JSON string, or a JSON array of {"type": ..., ...} objects —
// so providers.Message round-trips through either vendor's API without a
// translation layer for the plain-text path.
type Content struct {
	text     string
	blocks   []Block
	isBlocks bool
}

// NewTextContent wraps a plain string as Content.
func NewTextContent(s string) Content {
	return Content{text: s}
}

// NewBlocksContent wraps a slice of Blocks as Content.
func NewBlocksContent(blocks []Block) Content {
	return Content{blocks: blocks, isBlocks: true}
}

// IsBlocks reports whether this Content holds structured blocks rather than
// a plain string.
func (c Content) IsBlocks() bool { return c.isBlocks }

// Blocks returns the structured blocks. Empty if IsBlocks is false.
func (c Content) Blocks() []Block { return c.blocks }

// Text returns the content flattened to plain text: the string itself for
// text content, or the concatenation of every TextBlock for block content.
// Image and tool blocks are dropped — callers that need them must inspect
// Blocks() directly. Used by providers and by the memory injector and cache
// fingerprint, which only ever reason about the textual portion of a turn.
func (c Content) Text() string {
	if !c.isBlocks {
		return c.text
	}
	var out string
	for _, b := range c.blocks {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// IsEmpty reports whether the content carries neither text nor blocks.
func (c Content) IsEmpty() bool {
	return len(c.blocks) == 0 && c.text == ""
}

// Block is one element of a Blocks-variant Content. The concrete types are
// TextBlock, ImageBlock, ToolUseBlock, and ToolResultBlock.
type Block interface {
	blockType() string
}

// TextBlock is a run of plain text within a multi-block message.
type TextBlock struct {
	Text string
}

func (TextBlock) blockType() string { return "text" }

// ImageBlock is inline image data, base64-encoded, tagged with its MIME
// media type (e.g. "image/png").
type ImageBlock struct {
	MediaType string
	Data      string
}

func (ImageBlock) blockType() string { return "image" }

// ToolUseBlock is an assistant turn's request to invoke a tool.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUseBlock) blockType() string { return "tool_use" }

// ToolResultBlock is a user turn's reply carrying a tool's output back to
// the model, keyed by the ToolUseBlock.ID it answers.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultBlock) blockType() string { return "tool_result" }

// wireBlock is the on-the-wire shape of a single Block: a discriminated
// union keyed by "type", matching Anthropic's and OpenAI's own content-block
// JSON so inbound requests need no bespoke envelope.
type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MarshalJSON encodes text content as a bare JSON string and block content
// as a JSON array, mirroring the vendor wire formats this type stands in for.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.isBlocks {
		return json.Marshal(c.text)
	}
	wire := make([]wireBlock, 0, len(c.blocks))
	for _, b := range c.blocks {
		switch v := b.(type) {
		case TextBlock:
			wire = append(wire, wireBlock{Type: "text", Text: v.Text})
		case ImageBlock:
			wire = append(wire, wireBlock{Type: "image", MediaType: v.MediaType, Data: v.Data})
		case ToolUseBlock:
			wire = append(wire, wireBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultBlock:
			wire = append(wire, wireBlock{Type: "tool_result", ToolUseID: v.ToolUseID, Text: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("providers: unknown block type %T", b)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts either a bare string or an array of typed blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{text: s}
		return nil
	}

	var wire []wireBlock
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("providers: content must be a string or an array of blocks: %w", err)
	}

	blocks := make([]Block, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case "text", "":
			blocks = append(blocks, TextBlock{Text: w.Text})
		case "image":
			blocks = append(blocks, ImageBlock{MediaType: w.MediaType, Data: w.Data})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{ToolUseID: w.ToolUseID, Content: w.Text, IsError: w.IsError})
		default:
			return fmt.Errorf("providers: unknown content block type %q", w.Type)
		}
	}
	*c = Content{blocks: blocks, isBlocks: true}
	return nil
}

// CanonicalJSON returns a stable byte representation of c suitable for
// hashing into a cache fingerprint: block order is preserved as given (the
// spec's ordering invariant), but the encoding itself is deterministic since
// wireBlock has fixed field order.
func (c Content) CanonicalJSON() []byte {
	b, err := c.MarshalJSON()
	if err != nil {
		// A Content value built only through this package's constructors
		// never contains an unknown block type.
		return []byte(c.Text())
	}
	return b
}
