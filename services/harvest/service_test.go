package harvest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"flashback-datasets/lib/crawler"
	"flashback-datasets/lib/retryutil"
	"flashback-datasets/lib/tables"
	"flashback-datasets/lib/telemetry"
	"flashback-datasets/lib/vision"
)

func newTestDB(t *testing.T) *sql.DB {
	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

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

// newChatServer emulates the inference API. rowsFor maps the submitted
// image bytes to the message content the model answers with.
func newChatServer(t *testing.T, rowsFor func(image []byte) string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var request struct {
				Messages []struct {
					Content []struct {
						ImageURL *struct {
							URL string `json:"url"`
						} `json:"image_url"`
					} `json:"content"`
				} `json:"messages"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

			var img []byte
			for _, part := range request.Messages[0].Content {
				if part.ImageURL == nil {
					continue
				}
				b64 := strings.TrimPrefix(part.ImageURL.URL, "data:image/png;base64,")
				decoded, err := base64.StdEncoding.DecodeString(b64)
				require.NoError(t, err)
				img = decoded
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"content": rowsFor(img)}},
				},
			})
		},
	))
}

func testConfig(seedURL string, chatURL string, dataDir string) Config {
	return Config{
		SeedURL: seedURL,
		DataDir: dataDir,
		Crawler: crawler.Config{
			Concurrency:    4,
			Delay:          time.Millisecond,
			RequestTimeout: 5 * time.Second,
			MaxDepth:       3,
			Retry: retryutil.Policy{
				MaxAttempts:     2,
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			},
		},
		Vision: vision.Config{
			BaseURL:        chatURL,
			Model:          "test-model",
			APIKey:         "test-key",
			RequestTimeout: 5 * time.Second,
			MaxConcurrency: 2,
			RepairAttempts: 1,
			RateLimit: retryutil.Policy{
				MaxAttempts:     2,
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			},
		},
	}
}

// testSite serves a seed page linking to section pages, each embedding
// the given images.
func testSite(t *testing.T, hits *atomic.Int32, pageImages map[string][]string, images map[string][]byte) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		for page := range pageImages {
			fmt.Fprintf(w, `<a href="%s">%s</a>`, page, strings.TrimPrefix(page, "/"))
		}
	})
	for page, imgs := range pageImages {
		imgs := imgs
		mux.HandleFunc(page, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			for _, img := range imgs {
				fmt.Fprintf(w, `<img src="%s">`, img)
			}
		})
	}
	for path, data := range images {
		data := data
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write(data)
		})
	}
	return httptest.NewServer(mux)
}

func TestPipelineRun(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:harvest")
	defer cleanup()

	weaponsPNG := tablePNG(t, 1)
	vehiclesPNG := tablePNG(t, 2)

	var siteHits atomic.Int32
	site := testSite(t, &siteHits,
		map[string][]string{
			"/illegal":     {"/media/weapons.png"},
			"/entreprises": {"/media/vehicles.png", "/media/weapons-copy.png"},
		},
		map[string][]byte{
			"/media/weapons.png":      weaponsPNG,
			"/media/vehicles.png":     vehiclesPNG,
			"/media/weapons-copy.png": weaponsPNG,
		},
	)
	defer site.Close()

	chat := newChatServer(t, func(img []byte) string {
		switch {
		case bytes.Equal(img, weaponsPNG):
			return `[{"name": "Pistol Mk2", "type": "handgun", "price": "500$", "authorization": "✓"}]`
		case bytes.Equal(img, vehiclesPNG):
			return `[{"name": "Bison", "type": "vehicle", "price": "12,000$"}]`
		default:
			t.Error("unexpected image submitted")
			return ""
		}
	})
	defer chat.Close()

	service, err := New(testConfig(site.URL, chat.URL, t.TempDir()), newTestDB(t))
	require.NoError(t, err)

	report, err := service.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, OutcomeAllSucceeded, report.Outcome)
	require.Equal(t, 3, report.Counters.PagesDiscovered)
	require.Equal(t, 3, report.Counters.ImagesFetched)
	require.Equal(t, 1, report.Counters.DuplicatesSkipped)
	require.Equal(t, 2, report.Counters.RecordsExtracted)
	require.Zero(t, report.Counters.ItemsFailed)

	// fetched - duplicates = images forwarded to extraction
	require.Equal(
		t,
		report.Counters.ImagesFetched-report.Counters.DuplicatesSkipped,
		report.Attempted,
	)
	require.Equal(t, 2, report.Succeeded)
	require.Zero(t, report.Failed)

	require.Len(t, report.Datasets, 2)
	for _, ds := range report.Datasets {
		require.NotEqual(t, tables.TypeUnknown, ds.Type)
		for _, record := range ds.Records {
			require.NotEmpty(t, record.Name)
		}
	}

	require.Len(t, report.DatasetPaths, 2)
	for _, path := range report.DatasetPaths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var ds tables.Dataset
		require.NoError(t, json.Unmarshal(data, &ds))
		require.NotEmpty(t, ds.Records)
	}

	run, err := service.qry.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Equal(t, string(StateCompleted), run.State)
	require.Equal(t, string(OutcomeAllSucceeded), run.Outcome)
	require.Equal(t, int64(1), run.DuplicatesSkipped)

	rendered := report.Render()
	require.Contains(t, rendered, "Completed-AllSucceeded")
	require.Contains(t, rendered, "duplicates skipped")
}

func TestPipelineMissingCredential(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:harvest")
	defer cleanup()

	var siteHits atomic.Int32
	site := testSite(t, &siteHits, map[string][]string{}, map[string][]byte{})
	defer site.Close()

	config := testConfig(site.URL, "http://unused", t.TempDir())
	config.Vision.APIKey = ""

	service, err := New(config, newTestDB(t))
	require.NoError(t, err)

	report, err := service.Run(context.Background())
	require.ErrorIs(t, err, vision.ErrMissingCredential)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, OutcomeMissingCredential, report.Outcome)

	// fatal precondition aborts before any network cost
	require.Zero(t, siteHits.Load())
}

func TestPipelinePartialFailure(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:harvest")
	defer cleanup()

	pngs := make([][]byte, 5)
	imageHandlers := map[string][]byte{}
	imageRefs := []string{}
	for i := range pngs {
		pngs[i] = tablePNG(t, 10+i)
		path := fmt.Sprintf("/media/table-%d.png", i)
		imageHandlers[path] = pngs[i]
		imageRefs = append(imageRefs, path)
	}
	badPNG := pngs[3]

	var siteHits atomic.Int32
	site := testSite(t, &siteHits,
		map[string][]string{"/illegal": imageRefs},
		imageHandlers,
	)
	defer site.Close()

	chat := newChatServer(t, func(img []byte) string {
		if bytes.Equal(img, badPNG) {
			return "sorry, I cannot read this image"
		}
		for i, p := range pngs {
			if bytes.Equal(img, p) {
				return fmt.Sprintf(`[{"name": "Item %d", "type": "action"}]`, i)
			}
		}
		return ""
	})
	defer chat.Close()

	service, err := New(testConfig(site.URL, chat.URL, t.TempDir()), newTestDB(t))
	require.NoError(t, err)

	report, err := service.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, OutcomePartialFailure, report.Outcome)
	require.Equal(t, 5, report.Attempted)
	require.Equal(t, 4, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Counters.ItemsFailed)

	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0].Item, "table-3.png")
	require.Contains(t, report.Errors[0].Reason, "malformed")

	errors, err := service.qry.ListRunErrors(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, errors, 1)
}

func TestPipelineResumeSkipsCrawl(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:harvest")
	defer cleanup()

	weaponsPNG := tablePNG(t, 21)

	var siteHits atomic.Int32
	site := testSite(t, &siteHits,
		map[string][]string{"/illegal": {"/media/weapons.png"}},
		map[string][]byte{"/media/weapons.png": weaponsPNG},
	)
	defer site.Close()

	chat := newChatServer(t, func(img []byte) string {
		return `[{"name": "Pistol Mk2", "type": "handgun"}]`
	})
	defer chat.Close()

	database := newTestDB(t)
	config := testConfig(site.URL, chat.URL, t.TempDir())

	service, err := New(config, database)
	require.NoError(t, err)
	first, err := service.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAllSucceeded, first.Outcome)

	hitsAfterFirst := siteHits.Load()
	imageDir := service.imageDir()
	entries, err := os.ReadDir(imageDir)
	require.NoError(t, err)
	storedAfterFirst := len(entries)

	service2, err := New(config, database)
	require.NoError(t, err)
	second, err := service2.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, OutcomeAllSucceeded, second.Outcome)
	require.Equal(t, first.Attempted, second.Attempted)
	require.Equal(t, 1, second.Counters.RecordsExtracted)

	// unchanged storage means no crawling and no newly stored images
	require.Equal(t, hitsAfterFirst, siteHits.Load())
	entries, err = os.ReadDir(imageDir)
	require.NoError(t, err)
	require.Equal(t, storedAfterFirst, len(entries))
}

func TestPipelineUnreachableSeed(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:harvest")
	defer cleanup()

	site := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		},
	))
	defer site.Close()

	service, err := New(testConfig(site.URL, "http://unused", t.TempDir()), newTestDB(t))
	require.NoError(t, err)

	report, err := service.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, OutcomeFailedPrecondition, report.Outcome)
	require.NotEmpty(t, report.Errors)
}
