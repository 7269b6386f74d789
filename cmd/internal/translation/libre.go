package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"careline/cmd/internal/apperr"
)

const maxProviderBody = 1 << 20

// LibreTranslate calls a LibreTranslate-compatible POST /translate endpoint.
type LibreTranslate struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewLibreTranslate constructs a provider for baseURL.
func NewLibreTranslate(baseURL, apiKey string, timeout time.Duration) *LibreTranslate {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LibreTranslate{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (l *LibreTranslate) Name() string { return "libretranslate" }

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage struct {
		Language string `json:"language"`
	} `json:"detectedLanguage"`
	Error string `json:"error"`
}

func (l *LibreTranslate) Translate(ctx context.Context, text, target string) (Result, error) {
	const op = "translation.LibreTranslate"

	body, err := json.Marshal(libreRequest{Q: text, Source: "auto", Target: target, Format: "text", APIKey: l.APIKey})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.HTTP.Do(req)
	if err != nil {
		return Result{}, apperr.ExternalError{Op: op, Provider: l.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Result{}, apperr.ExternalError{Op: op, Provider: l.Name(), Err: err}
	}
	var out libreResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return Result{}, apperr.Ef(op, apperr.ErrValidation, "provider rejected request: %s", out.Error)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{}, apperr.ExternalError{Op: op, Provider: l.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)}
	case out.TranslatedText == "":
		return Result{}, apperr.ExternalError{Op: op, Provider: l.Name(), Err: fmt.Errorf("empty translation")}
	}
	return Result{Text: out.TranslatedText, SourceLanguage: out.DetectedLanguage.Language}, nil
}
