package crawler

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"flashback-datasets/lib/dedup"
	"flashback-datasets/lib/imagesel"
	"flashback-datasets/lib/retryutil"
	"flashback-datasets/lib/sitenav"
)

var tracer = otel.Tracer("lib/crawler")

// frontier is the queue of claimed-but-unvisited pages plus the seen
// set. Claiming happens before fetching so two workers can never race
// on the same URL.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*PageNode
	seen     map[string]*PageNode
	order    []*PageNode
	inflight int
	stopped  bool
}

func newFrontier() *frontier {
	f := &frontier{seen: map[string]*PageNode{}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *frontier) add(node *PageNode) {
	f.mu.Lock()
	if _, ok := f.seen[node.URL]; ok {
		f.mu.Unlock()
		return
	}
	f.seen[node.URL] = node
	f.order = append(f.order, node)
	f.queue = append(f.queue, node)
	f.mu.Unlock()
	f.cond.Broadcast()
}

// claim pops the next page, blocking while the queue is empty but
// other workers may still expand it. Returns false when the crawl is
// finished or stopped.
func (f *frontier) claim() (*PageNode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.stopped {
			return nil, false
		}
		if len(f.queue) > 0 {
			node := f.queue[0]
			f.queue = f.queue[1:]
			node.Visited = true
			f.inflight++
			return node, true
		}
		if f.inflight == 0 {
			return nil, false
		}
		f.cond.Wait()
	}
}

func (f *frontier) finish() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *frontier) stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *frontier) pages() []*PageNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*PageNode, len(f.order))
	copy(out, f.order)
	return out
}

// Run crawls the site from seedURL until the frontier drains or ctx is
// cancelled. Per-page and per-image errors are collected in the
// result, only an unreachable seed is returned as an error. The
// partial result is valid either way.
func (c *Crawler) Run(ctx context.Context, seedURL string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "crawler.Run")
	defer span.End()

	base, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}
	canonical, ok := sitenav.Canonicalize(base, seedURL)
	if !ok {
		return nil, fmt.Errorf("seed url %q is not crawlable", seedURL)
	}
	if err := os.MkdirAll(c.imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	f := newFrontier()
	f.add(&PageNode{URL: canonical, Section: sitenav.SectionUnknown})

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			f.stop()
		case <-watchDone:
		}
	}()

	var (
		resultMu sync.Mutex
		assets   []*ImageAsset
		failures []Failure
		seedErr  error
	)

	var wg sync.WaitGroup
	for i := 0; i < c.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				node, ok := f.claim()
				if !ok {
					return
				}
				time.Sleep(c.config.Delay)

				pageAssets, pageFailures, err := c.visit(ctx, node, f)

				resultMu.Lock()
				assets = append(assets, pageAssets...)
				failures = append(failures, pageFailures...)
				if err != nil && node.Depth == 0 {
					seedErr = err
				}
				resultMu.Unlock()

				f.finish()
			}
		}()
	}
	wg.Wait()

	result := &Result{
		Pages:    f.pages(),
		Assets:   assets,
		Failures: failures,
	}
	span.SetAttributes(
		attribute.Int("pages", len(result.Pages)),
		attribute.Int("assets", len(result.Assets)),
		attribute.Int("failures", len(result.Failures)),
	)

	if seedErr != nil {
		err := fmt.Errorf("fetch seed page: %w", seedErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

func (c *Crawler) visit(
	ctx context.Context,
	node *PageNode,
	f *frontier,
) ([]*ImageAsset, []Failure, error) {
	body, err := c.fetch(ctx, c.pages, node.URL)
	if err != nil {
		return nil, []Failure{{
			URL:    node.URL,
			Reason: fmt.Sprintf("fetch page: %s", err),
		}}, err
	}

	pageURL, err := url.Parse(node.URL)
	if err != nil {
		return nil, []Failure{{URL: node.URL, Reason: err.Error()}}, err
	}

	if node.Depth < c.config.MaxDepth {
		for _, link := range sitenav.Discover(pageURL, body) {
			section := link.Section
			if section == sitenav.SectionUnknown {
				section = node.Section
			}
			f.add(&PageNode{
				URL:     link.URL,
				Depth:   node.Depth + 1,
				Section: section,
			})
		}
	}

	// The seed page is navigation chrome, only its links matter.
	if node.Depth == 0 {
		return nil, nil, nil
	}

	var assets []*ImageAsset
	var failures []Failure
	for _, candidate := range imagesel.Candidates(pageURL, body) {
		asset, err := c.downloadImage(ctx, node, candidate)
		if err != nil {
			failures = append(failures, Failure{
				URL:    candidate.URL,
				Reason: err.Error(),
			})
			continue
		}
		if asset != nil {
			assets = append(assets, asset)
		}
	}
	return assets, failures, nil
}

// fetch GETs a URL under the retry policy. Server errors and transport
// failures are retried, client errors are not worth a second attempt.
func (c *Crawler) fetch(ctx context.Context, client *resty.Client, url string) ([]byte, error) {
	var body []byte
	err := c.config.Retry.Do(ctx, func() error {
		resp, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("status %s", resp.Status())
		}
		if resp.StatusCode() != 200 {
			return retryutil.Permanent(fmt.Errorf("status %s", resp.Status()))
		}
		body = resp.Body()
		return nil
	})
	return body, err
}

func (c *Crawler) downloadImage(
	ctx context.Context,
	node *PageNode,
	candidate imagesel.Candidate,
) (*ImageAsset, error) {
	body, err := c.fetch(ctx, c.images, candidate.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	// Rejected candidates are the selector heuristic working as
	// intended, not failures.
	if err := imagesel.ValidateBytes(body); err != nil {
		return nil, nil
	}

	hash := dedup.Hash(body)
	path := filepath.Join(c.imageDir, assetFilename(candidate.URL, hash))
	storedPath, isNew := c.store.Register(hash, path)

	if isNew {
		if err := os.WriteFile(storedPath, body, 0o644); err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
	}

	return &ImageAsset{
		SourceURL: candidate.URL,
		Path:      storedPath,
		Hash:      hash,
		PageURL:   node.URL,
		Section:   node.Section,
		Duplicate: !isNew,
	}, nil
}
