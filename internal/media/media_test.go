package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)

	token, err := s.Sign("abc-123.png")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != "abc-123.png" {
		t.Errorf("granted id = %q", id)
	}
}

func TestVerifyRejectsWrongSecretAndExpiry(t *testing.T) {
	s := NewSigner("secret-a", time.Hour)
	token, err := s.Sign("x.png")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	other := NewSigner("secret-b", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token signed with another secret verified")
	}

	expired := NewSigner("secret-a", -time.Minute)
	token, err = expired.Sign("x.png")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestRenderChartProducesSignedURL(t *testing.T) {
	signer := NewSigner("test-secret", time.Hour)
	r, err := NewRenderer(t.TempDir(), "https://assistant.example", signer, testLogger())
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	rawURL, err := r.RenderChart(context.Background(), toolservice.ChartSpec{
		Kind:  "bar",
		Title: "本周支出",
		Series: []toolservice.ChartSerie{
			{Label: "支出", Labels: []string{"餐饮", "交通"}, Values: []float64{320, 86}},
		},
	})
	if err != nil {
		t.Fatalf("RenderChart: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("returned URL unparseable: %v", err)
	}
	if !strings.HasPrefix(rawURL, "https://assistant.example/media/") {
		t.Errorf("url = %q", rawURL)
	}
	id := strings.TrimPrefix(u.Path, "/media/")
	if !mediaIDPattern.MatchString(id) {
		t.Errorf("media id %q does not match served pattern", id)
	}
	granted, err := signer.Verify(u.Query().Get("token"))
	if err != nil || granted != id {
		t.Errorf("token grants %q (err=%v), want %q", granted, err, id)
	}
}

func TestRenderChartRejectsUnknownKind(t *testing.T) {
	signer := NewSigner("test-secret", time.Hour)
	r, err := NewRenderer(t.TempDir(), "https://assistant.example", signer, testLogger())
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if _, err := r.RenderChart(context.Background(), toolservice.ChartSpec{Kind: "scatter"}); err == nil {
		t.Error("unknown kind rendered")
	}
}

func TestHandlerEnforcesTokenBinding(t *testing.T) {
	signer := NewSigner("test-secret", time.Hour)
	r, err := NewRenderer(t.TempDir(), "https://assistant.example", signer, testLogger())
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	rawURL, err := r.RenderChart(context.Background(), toolservice.ChartSpec{
		Kind:   "line",
		Series: []toolservice.ChartSerie{{Label: "体重", Values: []float64{21.2, 21.5, 21.4}}},
	})
	if err != nil {
		t.Fatalf("RenderChart: %v", err)
	}
	u, _ := url.Parse(rawURL)
	id := strings.TrimPrefix(u.Path, "/media/")
	token := u.Query().Get("token")

	mux := http.NewServeMux()
	mux.Handle("GET /media/{id}", r.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/media/" + id + "?token=" + token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/media/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("missing token: status %d", resp.StatusCode)
	}

	// A token for one file must not open another.
	otherToken, err := signer.Sign("other-file.png")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err = http.Get(srv.URL + "/media/" + id + "?token=" + otherToken)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-file token: status %d", resp.StatusCode)
	}
}
