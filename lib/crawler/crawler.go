// Package crawler walks a site's same-domain link graph with a bounded
// worker pool, downloading and deduplicating candidate table images
// along the way.
package crawler

import (
	"fmt"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"

	"flashback-datasets/lib/dedup"
	"flashback-datasets/lib/retryutil"
	"flashback-datasets/lib/sitenav"
	"flashback-datasets/lib/telemetry"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// PageNode is one canonical URL in the crawl graph.
type PageNode struct {
	URL     string
	Depth   int
	Section sitenav.Section
	Visited bool
}

// ImageAsset is a downloaded candidate image. Duplicate assets point
// at the path of the first copy and must not be extracted again.
type ImageAsset struct {
	SourceURL string
	Path      string
	Hash      string
	PageURL   string
	Section   sitenav.Section
	Duplicate bool
}

// Failure records a per-item error that did not stop the crawl.
type Failure struct {
	URL    string
	Reason string
}

// Result is the full outcome of one crawl.
type Result struct {
	Pages    []*PageNode
	Assets   []*ImageAsset
	Failures []Failure
}

// Config bounds the crawl. The zero value is usable.
type Config struct {
	// Concurrency is clamped into [4, 8].
	Concurrency    int              `json:"concurrency"`
	Delay          time.Duration    `json:"delay"`
	RequestTimeout time.Duration    `json:"request_timeout"`
	MaxDepth       int              `json:"max_depth"`
	Retry          retryutil.Policy `json:"retry"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 4 {
		c.Concurrency = 4
	}
	if c.Concurrency > 8 {
		c.Concurrency = 8
	}
	if c.Delay <= 0 {
		c.Delay = 200 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	return c
}

// Crawler fetches pages and images for one site. Construct with New,
// then call Run once per pipeline run.
type Crawler struct {
	config   Config
	store    *dedup.Store
	imageDir string

	pages  *resty.Client
	images *resty.Client
}

// New builds a Crawler storing deduplicated images under imageDir.
// seedHost restricts redirects so the page client cannot be bounced
// off the site.
func New(config Config, store *dedup.Store, imageDir string, seedHost string) *Crawler {
	config = config.withDefaults()

	pages := newClient(config.RequestTimeout)
	pages.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(seedHost))
	telemetry.InstrumentResty(pages, "lib/crawler/pages")

	// Image hosting frequently lives on a CDN domain, so the image
	// client follows redirects anywhere.
	images := newClient(config.RequestTimeout)
	telemetry.InstrumentResty(images, "lib/crawler/images")

	return &Crawler{
		config:   config,
		store:    store,
		imageDir: imageDir,
		pages:    pages,
		images:   images,
	}
}

func newClient(timeout time.Duration) *resty.Client {
	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err == nil {
		client.SetCookieJar(jar)
	}
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", browserUserAgent)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(
		client.GetClient().Transport,
	)
	return client
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// assetFilename derives a stable storage name from the source URL and
// the content hash, so re-runs land on the same file.
func assetFilename(sourceURL string, hash string) string {
	base := sourceURL
	if idx := strings.LastIndexByte(base, '?'); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}

	ext := ""
	if idx := strings.LastIndexByte(base, '.'); idx >= 0 {
		ext = strings.ToLower(base[idx:])
		base = base[:idx]
	}
	if ext == "" {
		ext = ".png"
	}

	base = unsafeFilenameChars.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "image"
	}
	if len(base) > 80 {
		base = base[:80]
	}

	return fmt.Sprintf("%s-%s%s", base, hash[:8], ext)
}
