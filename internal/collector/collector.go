// Package collector retrieves raw press-release articles from the news
// portal, one batch per (region, month) chunk. It is a thin I/O adapter:
// everything downstream depends only on the Collector interface.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/logger"
	"github.com/incidentmap/pipeline/pkg/retry"
)

type Collector interface {
	// Collect returns the chunk's articles ordered as the portal lists
	// them.
	Collect(ctx context.Context, key model.ChunkKey) ([]model.RawArticle, error)
}

type PortalClient struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	retryConfig retry.Config
}

func NewPortalClient(baseURL, userAgent string, timeout time.Duration) *PortalClient {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &PortalClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       15 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.Log,
		},
	}
}

func (c *PortalClient) Collect(ctx context.Context, key model.ChunkKey) ([]model.RawArticle, error) {
	listingURL := fmt.Sprintf("%s/archiv/%s/%s", c.baseURL, url.PathEscape(key.Region), url.PathEscape(key.Month))

	doc, err := retry.DoWithResult(ctx, c.retryConfig, func() (*goquery.Document, error) {
		return c.fetch(ctx, listingURL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing for %s: %w", key, err)
	}

	var links []string
	doc.Find("article a, a.news-link").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		links = append(links, c.absolute(href))
	})

	articles := make([]model.RawArticle, 0, len(links))
	for _, link := range links {
		article, err := c.fetchArticle(ctx, link, key.Region)
		if err != nil {
			logger.Warn("Failed to fetch article, skipping",
				zap.String("url", link),
				zap.Error(err),
			)
			continue
		}
		articles = append(articles, article)
	}

	logger.Info("Chunk collected",
		zap.String("chunk", key.String()),
		zap.Int("articles", len(articles)),
	)

	return articles, nil
}

func (c *PortalClient) fetchArticle(ctx context.Context, articleURL, region string) (model.RawArticle, error) {
	doc, err := retry.DoWithResult(ctx, c.retryConfig, func() (*goquery.Document, error) {
		return c.fetch(ctx, articleURL)
	})
	if err != nil {
		return model.RawArticle{}, err
	}

	return model.RawArticle{
		Source:      extractSource(doc),
		Region:      region,
		PublishedAt: extractPublished(doc),
		Title:       extractTitle(doc),
		Body:        extractBody(doc),
		URL:         articleURL,
	}, nil
}

func (c *PortalClient) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned status %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

func (c *PortalClient) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return c.baseURL + "/" + strings.TrimLeft(href, "/")
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return title
}

func extractBody(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside").Remove()

	body := doc.Find("article .body, div.article-text").First()
	if body.Length() == 0 {
		body = doc.Find("article").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body")
	}

	text := whitespaceRe.ReplaceAllString(body.Text(), " ")
	return strings.TrimSpace(text)
}

func extractSource(doc *goquery.Document) string {
	source := strings.TrimSpace(doc.Find(".customer, .story-source").First().Text())
	if source == "" {
		source = "unknown"
	}
	return source
}

func extractPublished(doc *goquery.Document) time.Time {
	if datetime, ok := doc.Find("time").First().Attr("datetime"); ok {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"} {
			if t, err := time.Parse(layout, datetime); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
