package media

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

// Renderer writes chart PNGs under the media root and returns signed
// URLs for them. It implements the render_chart tool's renderer.
type Renderer struct {
	root   string
	signer *Signer
	logger *observability.Logger

	// baseURL prefixes returned URLs, e.g. "https://host".
	baseURL string
}

// NewRenderer creates a renderer storing files under root.
func NewRenderer(root, baseURL string, signer *Signer, logger *observability.Logger) (*Renderer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Renderer{root: root, baseURL: baseURL, signer: signer, logger: logger}, nil
}

// RenderChart renders the spec to a PNG and returns its signed URL.
func (r *Renderer) RenderChart(ctx context.Context, spec toolservice.ChartSpec) (string, error) {
	id := uuid.NewString() + ".png"
	path := filepath.Join(r.root, id)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create chart file: %w", err)
	}
	defer file.Close()

	start := time.Now()
	switch spec.Kind {
	case "line":
		err = renderLine(spec, file)
	case "bar":
		err = renderBar(spec, file)
	case "pie":
		err = renderPie(spec, file)
	default:
		err = fmt.Errorf("unsupported chart kind %q", spec.Kind)
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("render %s chart: %w", spec.Kind, err)
	}
	r.logger.Step(ctx, "media.render_chart", start, "kind", spec.Kind, "media_id", id)

	token, err := r.signer.Sign(id)
	if err != nil {
		return "", fmt.Errorf("sign media url: %w", err)
	}
	return fmt.Sprintf("%s/media/%s?token=%s", r.baseURL, id, token), nil
}

func renderLine(spec toolservice.ChartSpec, out *os.File) error {
	graph := chart.Chart{Title: spec.Title}
	if spec.XLabel != "" {
		graph.XAxis.Name = spec.XLabel
	}
	if spec.YLabel != "" {
		graph.YAxis.Name = spec.YLabel
	}
	for _, s := range spec.Series {
		xs := make([]float64, len(s.Values))
		for i := range s.Values {
			xs[i] = float64(i)
		}
		graph.Series = append(graph.Series, chart.ContinuousSeries{
			Name:    s.Label,
			XValues: xs,
			YValues: s.Values,
		})
	}
	return graph.Render(chart.PNG, out)
}

func renderBar(spec toolservice.ChartSpec, out *os.File) error {
	s := spec.Series[0]
	bars := make([]chart.Value, len(s.Values))
	for i, v := range s.Values {
		label := ""
		if i < len(s.Labels) {
			label = s.Labels[i]
		}
		bars[i] = chart.Value{Label: label, Value: v}
	}
	graph := chart.BarChart{Title: spec.Title, Bars: bars}
	return graph.Render(chart.PNG, out)
}

func renderPie(spec toolservice.ChartSpec, out *os.File) error {
	s := spec.Series[0]
	values := make([]chart.Value, len(s.Values))
	for i, v := range s.Values {
		label := ""
		if i < len(s.Labels) {
			label = s.Labels[i]
		}
		values[i] = chart.Value{Label: label, Value: v}
	}
	graph := chart.PieChart{Title: spec.Title, Values: values}
	return graph.Render(chart.PNG, out)
}

// mediaIDPattern keeps served filenames to what the renderer generates.
var mediaIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+\.png$`)

// Handler serves GET /media/{id}?token=... after verifying the token
// grants exactly that ID.
func (r *Renderer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if !mediaIDPattern.MatchString(id) {
			http.NotFound(w, req)
			return
		}
		granted, err := r.signer.Verify(req.URL.Query().Get("token"))
		if err != nil || granted != id {
			http.Error(w, "invalid or expired media token", http.StatusForbidden)
			return
		}
		http.ServeFile(w, req, filepath.Join(r.root, id))
	})
}
