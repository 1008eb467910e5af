package toolservice

import (
	"context"
	"encoding/json"
	"time"
)

// ChartSpec describes one chart to render.
type ChartSpec struct {
	Kind   string       `json:"kind"` // line | bar | pie
	Title  string       `json:"title,omitempty"`
	XLabel string       `json:"x_label,omitempty"`
	YLabel string       `json:"y_label,omitempty"`
	Series []ChartSerie `json:"series"`
}

// ChartSerie is one labeled data series.
type ChartSerie struct {
	Label  string    `json:"label,omitempty"`
	Labels []string  `json:"labels,omitempty"`
	Values []float64 `json:"values"`
}

// ChartRenderer renders a chart to media storage and returns a signed
// URL the channel can deliver.
type ChartRenderer interface {
	RenderChart(ctx context.Context, spec ChartSpec) (string, error)
}

// RenderChartTool renders a chart image and returns its signed URL.
type RenderChartTool struct {
	renderer ChartRenderer
}

// NewRenderChartTool creates the render_chart tool.
func NewRenderChartTool(r ChartRenderer) *RenderChartTool {
	return &RenderChartTool{renderer: r}
}

func (t *RenderChartTool) Name() string { return "render_chart" }

func (t *RenderChartTool) Description() string {
	return "Render a line, bar, or pie chart from labeled series and return a signed media URL for delivery."
}

func (t *RenderChartTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"kind": {"type": "string", "enum": ["line", "bar", "pie"]},
			"title": {"type": "string"},
			"x_label": {"type": "string"},
			"y_label": {"type": "string"},
			"series": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"label": {"type": "string"},
						"labels": {"type": "array", "items": {"type": "string"}},
						"values": {"type": "array", "items": {"type": "number"}}
					},
					"required": ["values"]
				},
				"minItems": 1
			}
		},
		"required": ["kind", "series"]
	}`)
}

func (t *RenderChartTool) TimeBudget() time.Duration { return 6 * time.Second }

// Capabilities advertises that this tool produces media.
func (t *RenderChartTool) Capabilities() []string { return []string{"media"} }

// Execute renders the chart.
func (t *RenderChartTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var spec ChartSpec
	if err := json.Unmarshal(params, &spec); err != nil {
		return nil, Errf(KindValidation, "parse input: %v", err)
	}
	switch spec.Kind {
	case "line", "bar", "pie":
	default:
		return nil, Errf(KindValidation, "unsupported chart kind %q", spec.Kind)
	}
	if len(spec.Series) == 0 {
		return nil, Errf(KindValidation, "series must not be empty")
	}
	for i, s := range spec.Series {
		if len(s.Values) == 0 {
			return nil, Errf(KindValidation, "series[%d]: values must not be empty", i)
		}
	}

	url, err := t.renderer.RenderChart(ctx, spec)
	if err != nil {
		return nil, AsError(err)
	}
	return map[string]any{"success": true, "url": url}, nil
}
