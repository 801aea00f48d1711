// Package fetcher retrieves a page and reduces it to canonical text.
//
// HTML documents are narrowed to the site's selector (or <body>) and
// converted to Markdown so that markup noise does not register as a change.
// Any other content type is used as text. Only one attempt is made per call.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	// ErrUnreachable wraps network, DNS and TLS failures.
	ErrUnreachable = errors.New("site unreachable")
	// ErrSelectorNotFound is returned when a selector matches nothing in the document.
	ErrSelectorNotFound = errors.New("selector matched nothing")
)

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.Code)
}

// Default settings.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 5 * 1024 * 1024
	DefaultUserAgent    = "sitewatch/1.0"
	maxRedirects        = 5
)

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// Fetcher performs single-attempt HTTP GETs and canonicalizes the response.
type Fetcher struct {
	client    *http.Client
	config    Config
	converter *converter.Converter
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		config: cfg,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Fetch retrieves url and returns its canonical text. When selector is set
// only the matching elements contribute to the result.
func (f *Fetcher) Fetch(ctx context.Context, url string, selector *string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrUnreachable, err)
	}

	if !isHTML(resp.Header.Get("Content-Type"), body) {
		if selector != nil {
			return "", ErrSelectorNotFound
		}
		return Canonicalize(string(body)), nil
	}
	return f.extract(body, url, selector)
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return strings.Contains(strings.ToLower(contentType), "html")
}

// extract narrows the document to the selected region and converts it to Markdown.
func (f *Fetcher) extract(body []byte, url string, selector *string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	var sel *goquery.Selection
	if selector != nil {
		sel = doc.Find(*selector)
		if sel.Length() == 0 {
			return "", ErrSelectorNotFound
		}
	} else {
		sel = doc.Find("body")
		if sel.Length() == 0 {
			sel = doc.Selection
		}
	}

	var buf bytes.Buffer
	for _, n := range sel.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
		buf.WriteByte('\n')
	}

	markdown, err := f.converter.ConvertString(buf.String(), converter.WithDomain(url))
	if err != nil {
		// Fall back to the visible text of the selection.
		return Canonicalize(sel.Text()), nil
	}
	return Canonicalize(markdown), nil
}

// Canonicalize normalizes line endings and strips trailing whitespace from
// every line and from the end of the document.
func Canonicalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
