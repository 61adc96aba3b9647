package clip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/media"
)

// Gateway sends one request per user action to the similarity backend and
// classifies the reply.
type Gateway interface {
	Analyze(ctx context.Context, image media.Image, texts []string) AnalyzeOutcome
	SearchImages(ctx context.Context, query string, images []media.Image) SearchOutcome
}

const (
	analyzePath = "/api/analyze"
	searchPath  = "/api/search_images"
	healthPath  = "/api/health"
)

type Client struct {
	BaseURL string
	httpc   *http.Client
	log     logrus.FieldLogger
}

// New создаёт клиента бэкенда. timeout=0 — без таймаута: запрос живёт, пока не завершится сам.
func New(baseURL string, timeout time.Duration, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log.WithField("component", "clip"),
	}
}

func (c *Client) Analyze(ctx context.Context, image media.Image, texts []string) AnalyzeOutcome {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeFile(w, "image", image); err != nil {
		return Transport[LabelScore](err)
	}
	js, err := marshalTexts(texts)
	if err != nil {
		return Transport[LabelScore](err)
	}
	if err := w.WriteField("texts", js); err != nil {
		return Transport[LabelScore](err)
	}
	if err := w.Close(); err != nil {
		return Transport[LabelScore](err)
	}
	return post[LabelScore](ctx, c, analyzePath, &body, w.FormDataContentType())
}

func (c *Client) SearchImages(ctx context.Context, query string, images []media.Image) SearchOutcome {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("text_query", query); err != nil {
		return Transport[ImageMatch](err)
	}
	for _, img := range images {
		if err := writeFile(w, "images", img); err != nil {
			return Transport[ImageMatch](err)
		}
	}
	if err := w.Close(); err != nil {
		return Transport[ImageMatch](err)
	}
	return post[ImageMatch](ctx, c, searchPath, &body, w.FormDataContentType())
}

// Health опрашивает GET /api/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+healthPath, nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Health{}, fmt.Errorf("clip health %d: %s", resp.StatusCode, strings.TrimSpace(string(x)))
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("clip health: bad JSON: %w", err)
	}
	return h, nil
}

func post[T any](ctx context.Context, c *Client, path string, body io.Reader, contentType string) Outcome[T] {
	reqID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"request_id": reqID, "path": path})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		log.WithError(err).Error("clip: build request")
		return Transport[T](err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		log.WithError(err).Warn("clip: request failed")
		return Transport[T](err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).WithField("status", resp.StatusCode).Warn("clip: read body")
		return Transport[T](err)
	}

	out := classify[T](resp.StatusCode, raw)
	entry := log.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"kind":    out.Kind.String(),
		"elapsed": time.Since(start).Round(time.Millisecond),
	})
	switch out.Kind {
	case KindOK:
		entry.WithField("results", len(out.Results)).Debug("clip: ok")
	case KindBackendError:
		entry.WithField("error", out.Message).Info("clip: backend error")
	default:
		entry.WithError(out.Err).Warn("clip: unusable response")
	}
	return out
}

// classify раскладывает ответ ровно в один из трёх вариантов.
// На 2xx results важнее error; на остальных статусах смотрим только на error.
func classify[T any](status int, raw []byte) Outcome[T] {
	ok := status >= 200 && status < 300

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return Transport[T](fmt.Errorf("clip: status %d: bad JSON: %w", status, err))
	}
	if ok && env.Results != nil {
		return OK(*env.Results)
	}
	if env.Error != "" {
		return BackendError[T](env.Error)
	}
	if ok {
		return Transport[T](ErrUnknownResponse)
	}
	return Transport[T](fmt.Errorf("clip: status %d: %s", status, snippet(raw)))
}

func writeFile(w *multipart.Writer, field string, img media.Image) error {
	name := img.Name
	if name == "" {
		name = "blob"
	}
	ct := img.MIME
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(field), escapeQuotes(name)))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(img.Data)
	return err
}

// marshalTexts повторяет JSON.stringify: без HTML-экранирования и без перевода строки.
func marshalTexts(texts []string) (string, error) {
	if texts == nil {
		texts = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(texts); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
