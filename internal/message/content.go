package message

// ContentType tags the content block variants.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentCode       ContentType = "code"
	ContentImage      ContentType = "image"
	ContentThinking   ContentType = "thinking"
)

// ImageSource carries inline image bytes.
type ImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Content is a tagged content block. Only the fields for the tagged variant
// are populated.
type Content struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	// code
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) Content {
	return Content{Type: ContentToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID string, content interface{}, isError bool) Content {
	return Content{Type: ContentToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// CodeBlock builds a code content block.
func CodeBlock(language, code string) Content {
	return Content{Type: ContentCode, Language: language, Code: code}
}

// ImageBlock builds an image content block.
func ImageBlock(mediaType, data string) Content {
	return Content{Type: ContentImage, Source: &ImageSource{MediaType: mediaType, Data: data}}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking string) Content {
	return Content{Type: ContentThinking, Thinking: thinking}
}
