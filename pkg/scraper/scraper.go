package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/logger"
)

type ScraperConfig struct {
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	MaxBytes          int64
	UserAgent         string
	OnProgress        func(url string)
}

// Scraper fetches web pages and renders their main content as markdown
// with ATX headings.
type Scraper struct {
	config  ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

var _ types.PageFetcher = (*Scraper)(nil)

const blockSelector = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,dt,dd,td,th"

func NewWithConfig(config ScraperConfig, log logger.Logger) *Scraper {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 5 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "docsqa/1.0"
	}
	if log == nil {
		log = logger.GetDefault()
	}

	return &Scraper{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		log:     log,
	}
}

// Fetch retrieves one page.
func (s *Scraper) Fetch(ctx context.Context, rawURL string) (*models.WebPage, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	page, _, err := s.fetch(ctx, u)
	return page, err
}

// Crawl fetches startURL and follows same-host links up to MaxDepth.
// Pages that fail to load are logged and skipped.
func (s *Scraper) Crawl(ctx context.Context, startURL string) ([]models.WebPage, error) {
	start, err := parseHTTPURL(startURL)
	if err != nil {
		return nil, err
	}

	c := &crawl{
		scraper: s,
		host:    start.Host,
		visited: make(map[string]bool),
	}
	if err := c.visit(ctx, start, 0); err != nil {
		return c.pages, err
	}
	if len(c.pages) == 0 {
		return nil, fmt.Errorf("%w: nothing could be fetched from %s", models.ErrFetch, startURL)
	}
	return c.pages, nil
}

type crawl struct {
	scraper *Scraper
	host    string
	visited map[string]bool
	pages   []models.WebPage
}

func (c *crawl) visit(ctx context.Context, u *url.URL, depth int) error {
	u.Fragment = ""
	key := u.String()
	if depth > c.scraper.config.MaxDepth || c.visited[key] {
		return nil
	}
	if !c.scraper.shouldProcessURL(u, c.host) {
		return nil
	}
	c.visited[key] = true

	if c.scraper.config.OnProgress != nil {
		c.scraper.config.OnProgress(key)
	}

	page, links, err := c.scraper.fetch(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.scraper.log.Warn("skipping page", "url", key, "error", err)
		return nil
	}
	c.pages = append(c.pages, *page)

	for _, link := range links {
		if err := c.visit(ctx, link, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scraper) fetch(ctx context.Context, u *url.URL) (*models.WebPage, []*url.URL, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", models.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: received status code %d for URL: %s", models.ErrFetch, resp.StatusCode, u)
	}

	body := io.LimitReader(resp.Body, s.config.MaxBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	switch mediaType {
	case "text/plain", "text/markdown":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", models.ErrFetch, err)
		}
		return &models.WebPage{URL: u.String(), Title: titleFromURL(u), Markdown: string(raw)}, nil, nil
	case "", "text/html", "application/xhtml+xml":
	default:
		return nil, nil, fmt.Errorf("%w: unsupported content type %q", models.ErrFetch, mediaType)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", models.ErrFetch, err)
	}

	links := s.extractLinks(doc, u)
	markdown := s.extractMarkdown(doc)

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = titleFromURL(u)
	}

	return &models.WebPage{URL: u.String(), Title: title, Markdown: markdown}, links, nil
}

func (s *Scraper) shouldProcessURL(u *url.URL, host string) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host != host {
		return false
	}

	path := strings.ToLower(u.Path)
	validExt := false
	for _, allowedExt := range s.config.AllowedExtensions {
		if allowedExt == "" {
			last := path[strings.LastIndex(path, "/")+1:]
			if !strings.Contains(last, ".") {
				validExt = true
				break
			}
			continue
		}
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(u.String(), pattern) {
			return false
		}
	}
	return true
}

func (s *Scraper) extractLinks(doc *goquery.Document, base *url.URL) []*url.URL {
	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			s.log.Debug("ignoring malformed link", "href", href, "error", err)
			return
		}
		links = append(links, base.ResolveReference(ref))
	})
	return links
}

// extractMainContent picks the main content area, falling back to body.
func (s *Scraper) extractMainContent(doc *goquery.Document) *goquery.Selection {
	doc.Find("script,style,noscript,nav,footer,header,aside").Remove()

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			return selected.First()
		}
	}
	return doc.Find("body")
}

func (s *Scraper) extractMarkdown(doc *goquery.Document) string {
	root := s.extractMainContent(doc)

	var blocks []string
	root.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		// Nested blocks are covered by their outermost block.
		if sel.ParentsUntilSelection(root).Filter(blockSelector).Length() > 0 {
			return
		}
		text := cleanContent(sel.Text())
		if text == "" {
			return
		}
		tag := goquery.NodeName(sel)
		if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
			text = strings.Repeat("#", int(tag[1]-'0')) + " " + text
		}
		blocks = append(blocks, text)
	})

	if len(blocks) == 0 {
		return cleanContent(root.Text())
	}
	return strings.Join(blocks, "\n\n")
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", models.ErrValidation, raw)
	}
	return u, nil
}

func titleFromURL(u *url.URL) string {
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Host
	}
	return u.Host + "/" + path
}
