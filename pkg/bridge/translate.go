package bridge

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// AnthropicTools translates the catalogue into Anthropic tool params
func (a *Adapter) AnthropicTools() []anthropic.ToolUnionParam {
	descs := a.Catalogue()
	tools := make([]anthropic.ToolUnionParam, 0, len(descs))

	for _, desc := range descs {
		schema := desc.InputSchema()

		tool := anthropic.ToolParam{
			Name:        desc.Name,
			Description: anthropic.String(desc.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]string); ok {
			tool.InputSchema.Required = required
		}

		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

// OpenAITools translates the catalogue into OpenAI function-calling
// tool params.
func (a *Adapter) OpenAITools() []openai.ChatCompletionToolParam {
	descs := a.Catalogue()
	tools := make([]openai.ChatCompletionToolParam, 0, len(descs))

	for _, desc := range descs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        desc.Name,
				Description: openai.String(desc.Description),
				Parameters:  openai.FunctionParameters(desc.InputSchema()),
			},
		})
	}
	return tools
}

// CatalogueJSON is the generic structured listing for clients without a
// dedicated SDK shape: one entry per tool with its full schema tree.
func (a *Adapter) CatalogueJSON() []map[string]any {
	descs := a.Catalogue()
	out := make([]map[string]any, 0, len(descs))
	for _, desc := range descs {
		out = append(out, map[string]any{
			"name":         desc.Name,
			"description":  desc.Description,
			"input_schema": desc.InputSchema(),
		})
	}
	return out
}
