package crawler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashback-datasets/lib/dedup"
	"flashback-datasets/lib/retryutil"
	"flashback-datasets/lib/sitenav"
)

func testConfig() Config {
	return Config{
		Concurrency:    4,
		Delay:          time.Millisecond,
		RequestTimeout: 5 * time.Second,
		MaxDepth:       3,
		Retry: retryutil.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
}

// tablePNG renders a decodable noisy image. seed varies the bytes so
// distinct images hash differently.
func tablePNG(t *testing.T, seed int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + y*13 + seed) % 256),
				G: uint8((x*3 + y*31 + seed*5) % 256),
				B: uint8((x*17 + y + seed*11) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newCrawler(t *testing.T, server *httptest.Server, config Config) (*Crawler, *dedup.Store) {
	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)

	store := dedup.NewStore()
	return New(config, store, t.TempDir(), parsed.Hostname()), store
}

func TestCrawlSectionPages(t *testing.T) {
	sections := []string{"general", "services", "illegal", "entreprises"}

	var mu sync.Mutex
	visits := map[string]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body><nav>
			<a href="/general">General</a>
			<a href="/services">Public Services</a>
			<a href="/illegal">Illegal</a>
			<a href="/entreprises">Entreprises</a>
		</nav></body></html>`)
	})
	for i, section := range sections {
		section := section
		i := i
		mux.HandleFunc("/"+section, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			visits[section]++
			mu.Unlock()
			fmt.Fprintf(
				w,
				`<html><body><main><img src="/media/table-%d.png"></main></body></html>`,
				i,
			)
		})
		mux.HandleFunc(
			fmt.Sprintf("/media/table-%d.png", i),
			func(w http.ResponseWriter, r *http.Request) {
				w.Write(tablePNG(t, i))
			},
		)
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	c, store := newCrawler(t, server, testConfig())
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Pages, 5)
	require.Len(t, result.Assets, 4)
	require.Empty(t, result.Failures)
	require.Equal(t, 4, store.Len())

	mu.Lock()
	defer mu.Unlock()
	for _, section := range sections {
		require.Equal(t, 1, visits[section], section)
	}

	wantSections := map[string]sitenav.Section{
		"/general":     sitenav.SectionGeneral,
		"/services":    sitenav.SectionPublicServices,
		"/illegal":     sitenav.SectionIllegal,
		"/entreprises": sitenav.SectionEnterprise,
	}
	for _, a := range result.Assets {
		page, err := url.Parse(a.PageURL)
		require.NoError(t, err)
		require.Equal(t, wantSections[page.Path], a.Section, a.PageURL)
		require.FileExists(t, a.Path)
		require.False(t, a.Duplicate)
	}
}

func TestCrawlDeduplicatesIdenticalImages(t *testing.T) {
	shared := []byte{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/illegal">Illegal</a><a href="/services">Services</a>`)
	})
	mux.HandleFunc("/illegal", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<img src="/media/one.png">`)
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<img src="/media/two.png">`)
	})
	imageHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Write(shared)
	}
	mux.HandleFunc("/media/one.png", imageHandler)
	mux.HandleFunc("/media/two.png", imageHandler)
	server := httptest.NewServer(mux)
	defer server.Close()

	shared = tablePNG(t, 42)

	c, store := newCrawler(t, server, testConfig())
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Assets, 2)
	require.Equal(t, 1, store.Len())

	duplicates := 0
	for _, a := range result.Assets {
		if a.Duplicate {
			duplicates++
		}
	}
	require.Equal(t, 1, duplicates)
	require.Equal(t, result.Assets[0].Path, result.Assets[1].Path)

	entries, err := os.ReadDir(c.imageDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCrawlConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			cur := inflight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inflight.Add(-1)
			fmt.Fprint(w, "<html><body>leaf</body></html>")
			return
		}
		for i := 0; i < 24; i++ {
			fmt.Fprintf(w, `<a href="/page/%d.html">p%d</a>`, i, i)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	config := testConfig()
	config.Concurrency = 4
	c, _ := newCrawler(t, server, config)
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Pages, 25)
	require.LessOrEqual(t, peak.Load(), int32(4))
}

func TestCrawlTerminatesOnLinkVariants(t *testing.T) {
	var pageHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/a">A</a>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		fmt.Fprint(w, `<a href="/b/">B</a><a href="/a?ref=loop#top">A again</a>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		fmt.Fprint(w, `<a href="/a/">A</a><a href="/b#bottom">B again</a>`)
	})
	mux.HandleFunc("/b/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newCrawler(t, server, testConfig())
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Pages, 3)
	require.Equal(t, int32(2), pageHits.Load())
}

func TestCrawlDepthBound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/d1">1</a>`)
	})
	mux.HandleFunc("/d1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/d2">2</a>`)
	})
	mux.HandleFunc("/d2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/d3">3</a>`)
	})
	mux.HandleFunc("/d3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/d4">4</a>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	config := testConfig()
	config.MaxDepth = 2
	c, _ := newCrawler(t, server, config)
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Pages, 3)
}

func TestCrawlUnreachableSeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		},
	))
	defer server.Close()

	c, _ := newCrawler(t, server, testConfig())
	result, err := c.Run(context.Background(), server.URL)
	require.Error(t, err)
	require.ErrorContains(t, err, "fetch seed page")
	require.Len(t, result.Failures, 1)
}

func TestCrawlContinuesPastFailedPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/broken">Broken</a><a href="/illegal">Illegal</a>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/illegal", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<img src="/media/table.png">`)
	})
	mux.HandleFunc("/media/table.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tablePNG(t, 7))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newCrawler(t, server, testConfig())
	result, err := c.Run(context.Background(), server.URL)
	require.NoError(t, err)

	require.Len(t, result.Assets, 1)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0].Reason, "fetch page")
}

func TestAssetFilename(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef"

	require.Equal(
		t,
		"handguns-01234567.png",
		assetFilename("https://example.com/media/handguns.png?w=1200", hash),
	)
	require.Equal(
		t,
		"abc-123-w1280-01234567.png",
		assetFilename("https://lh3.googleusercontent.com/d/abc 123=w1280", hash),
	)
}
