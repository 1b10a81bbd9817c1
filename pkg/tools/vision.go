package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/llms"
)

// VisionGenerator is the slice of a multimodal provider the vision
// tool needs.
type VisionGenerator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Completion, error)
	GetModelName() string
}

type visionArgs struct {
	ImageURL string `json:"image_url" jsonschema:"required,description=URL or data URI of the image to analyze"`
	Question string `json:"question,omitempty" jsonschema:"description=What to look for in the image,default=Describe this document in detail"`
}

// VisionTool sends an image to the multimodal provider and returns its
// reading. Used for uploaded documents: KITAS cards, tax letters,
// notarial deeds.
type VisionTool struct {
	gen    VisionGenerator
	schema map[string]any
}

func NewVisionTool(gen VisionGenerator) *VisionTool {
	return &VisionTool{
		gen:    gen,
		schema: mustSchema[visionArgs](),
	}
}

func (t *VisionTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "vision",
		Description: "Analyze an image the user uploaded, such as a visa sticker, KITAS card or official letter. Returns a textual reading of the image.",
		Schema:      t.schema,
	}
}

func (t *VisionTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	params, err := decodeArgs[visionArgs](args)
	if err != nil {
		return errorResult(err), nil
	}
	question := params.Question
	if question == "" {
		question = "Describe this document in detail. Transcribe any visible text, dates and reference numbers."
	}

	completion, err := t.gen.Generate(ctx, llms.Request{
		Messages: []llms.Message{{
			Role:     "user",
			Content:  question,
			ImageURL: params.ImageURL,
		}},
	})
	if err != nil {
		return errorResult(fmt.Errorf("vision model failed: %w", err)), nil
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return errorResult(fmt.Errorf("vision model returned an empty reading")), nil
	}
	return ToolResult{
		Success:  true,
		Content:  text,
		Metadata: map[string]any{"model": t.gen.GetModelName()},
	}, nil
}
