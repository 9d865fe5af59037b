// Package harvest orchestrates the crawl-and-extract pipeline: crawl
// the rulebook site for table images, extract structured records from
// them and merge the results into per-type datasets.
package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"flashback-datasets/lib/crawler"
	"flashback-datasets/lib/dedup"
	"flashback-datasets/lib/tables"
	"flashback-datasets/lib/vision"
	"flashback-datasets/services/harvest/db"
)

var tracer = otel.Tracer("services/harvest")

// State is the pipeline's position in the run lifecycle.
type State string

const (
	StateIdle           State = "Idle"
	StateDiscovering    State = "Discovering"
	StateCrawlingImages State = "CrawlingImages"
	StateExtracting     State = "Extracting"
	StateMerging        State = "Merging"
	StateCompleted      State = "Completed"
	StateFailed         State = "Failed"
)

// Outcome is the terminal report code of a run.
type Outcome string

const (
	OutcomeAllSucceeded       Outcome = "Completed-AllSucceeded"
	OutcomePartialFailure     Outcome = "Completed-PartialFailure"
	OutcomeMissingCredential  Outcome = "Failed-MissingCredential"
	OutcomeFailedPrecondition Outcome = "Failed-Precondition"
)

type Config struct {
	SeedURL string         `json:"seed_url"`
	DataDir string         `json:"data_dir"`
	Crawler crawler.Config `json:"crawler"`
	Vision  vision.Config  `json:"vision"`
}

// Counters are the aggregate per-stage totals of one run.
type Counters struct {
	PagesDiscovered   int
	ImagesFetched     int
	DuplicatesSkipped int
	RecordsExtracted  int
	ItemsFailed       int
}

// ItemError is one non-fatal per-item failure.
type ItemError struct {
	Item   string
	Reason string
}

// Report is the finalized result of a run. Errors enumerates every
// failed item with its reason, silent data loss is disallowed.
type Report struct {
	RunID        string
	State        State
	Outcome      Outcome
	Counters     Counters
	Attempted    int
	Succeeded    int
	Failed       int
	Elapsed      time.Duration
	Errors       []ItemError
	Datasets     []tables.Dataset
	DatasetPaths []string
}

type Service struct {
	config Config
	db     *sql.DB
	qry    *db.Queries
	state  State
}

func New(config Config, database *sql.DB) (*Service, error) {
	if _, err := database.Exec(db.Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Service{
		config: config,
		db:     database,
		qry:    db.New(database),
		state:  StateIdle,
	}, nil
}

func (s *Service) State() State {
	return s.state
}

func (s *Service) setState(next State) {
	slog.Info("pipeline state", "from", s.state, "to", next)
	s.state = next
}

func (s *Service) imageDir() string {
	return filepath.Join(s.config.DataDir, "images")
}

func (s *Service) datasetDir() string {
	return filepath.Join(s.config.DataDir, "datasets")
}

// pendingImage is a stored asset queued for extraction, with the
// source URL kept around for the error log.
type pendingImage struct {
	vision.Image
	item string
}

// Run executes one full pipeline pass. Per-item failures end up in the
// report, only failed preconditions return an error.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "harvest.Run")
	defer span.End()

	started := time.Now()
	runID, err := random.String(12)
	if err != nil {
		runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	report := &Report{RunID: runID, State: StateIdle}

	err = s.qry.CreateRun(ctx, db.CreateRunParams{
		ID:        runID,
		StartedAt: time.Now().Unix(),
		State:     string(StateIdle),
	})
	if err != nil {
		slog.Warn("failed to record run start", "err", err)
	}

	fail := func(outcome Outcome, cause error) (*Report, error) {
		s.setState(StateFailed)
		report.State = StateFailed
		report.Outcome = outcome
		report.Counters.ItemsFailed = len(report.Errors)
		report.Elapsed = time.Since(started)
		s.finalize(ctx, report)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		return report, cause
	}

	// Fatal preconditions are checked before any network cost.
	if strings.TrimSpace(s.config.SeedURL) == "" {
		return fail(OutcomeFailedPrecondition, errors.New("seed url is not configured"))
	}
	seed, err := url.Parse(s.config.SeedURL)
	if err != nil {
		return fail(OutcomeFailedPrecondition, fmt.Errorf("parse seed url: %w", err))
	}
	extractor, err := vision.New(s.config.Vision)
	if err != nil {
		if errors.Is(err, vision.ErrMissingCredential) {
			return fail(OutcomeMissingCredential, err)
		}
		return fail(OutcomeFailedPrecondition, err)
	}

	pending, resumed := s.resumableAssets(ctx)
	if !resumed {
		store := dedup.NewStore()
		c := crawler.New(s.config.Crawler, store, s.imageDir(), seed.Hostname())

		// Discovery and image download happen in one crawler pass,
		// both states are still reported for operators.
		s.setState(StateDiscovering)
		result, crawlErr := c.Run(ctx, s.config.SeedURL)
		s.setState(StateCrawlingImages)

		if result != nil {
			for _, failure := range result.Failures {
				report.Errors = append(report.Errors, ItemError{
					Item:   failure.URL,
					Reason: failure.Reason,
				})
			}
			report.Counters.PagesDiscovered = len(result.Pages)
			report.Counters.ImagesFetched = len(result.Assets)
		}
		if crawlErr != nil {
			return fail(OutcomeFailedPrecondition, crawlErr)
		}

		for _, asset := range result.Assets {
			if asset.Duplicate {
				report.Counters.DuplicatesSkipped++
				continue
			}

			hint := typeHint(asset)
			pending = append(pending, pendingImage{
				Image: vision.Image{
					Path:     asset.Path,
					Hash:     asset.Hash,
					TypeHint: hint,
				},
				item: asset.SourceURL,
			})

			err := s.qry.UpsertAsset(ctx, db.UpsertAssetParams{
				Hash:      asset.Hash,
				Path:      asset.Path,
				SourceUrl: asset.SourceURL,
				PageUrl:   asset.PageURL,
				Section:   string(asset.Section),
				TypeHint:  string(hint),
				CreatedAt: time.Now().Unix(),
			})
			if err != nil {
				slog.Warn("failed to record asset", "hash", asset.Hash, "err", err)
			}
		}
	}

	s.setState(StateExtracting)
	images := make([]vision.Image, len(pending))
	for i, p := range pending {
		images[i] = p.Image
	}
	outcomes := extractor.ExtractBatch(ctx, images)

	merger := tables.NewMerger()
	report.Attempted = len(outcomes)
	for i, outcome := range outcomes {
		if outcome.Err != nil {
			report.Failed++
			report.Errors = append(report.Errors, ItemError{
				Item:   pending[i].item,
				Reason: outcome.Err.Error(),
			})
			continue
		}
		report.Succeeded++
		merger.Add(outcome.Records...)
	}

	// Merging always runs, a cancelled run still flushes whatever was
	// extracted so far.
	s.setState(StateMerging)
	report.Datasets = merger.Datasets()
	report.Counters.RecordsExtracted = merger.Len()

	paths, err := s.writeDatasets(report.Datasets)
	if err != nil {
		report.Errors = append(report.Errors, ItemError{
			Item:   s.datasetDir(),
			Reason: err.Error(),
		})
	}
	report.DatasetPaths = paths

	report.Counters.ItemsFailed = len(report.Errors)
	report.Elapsed = time.Since(started)
	s.setState(StateCompleted)
	report.State = StateCompleted
	if report.Counters.ItemsFailed == 0 {
		report.Outcome = OutcomeAllSucceeded
	} else {
		report.Outcome = OutcomePartialFailure
	}

	s.finalize(ctx, report)
	return report, nil
}

// HasStoredAssets reports whether a prior run left assets in the
// registry.
func (s *Service) HasStoredAssets(ctx context.Context) bool {
	stored, err := s.qry.ListAssets(ctx)
	return err == nil && len(stored) > 0
}

// resumableAssets checks whether every asset recorded by a prior run
// is still on disk with unchanged bytes. If so the crawl is skipped
// and the stored assets feed extraction directly.
func (s *Service) resumableAssets(ctx context.Context) ([]pendingImage, bool) {
	stored, err := s.qry.ListAssets(ctx)
	if err != nil || len(stored) == 0 {
		return nil, false
	}

	pending := make([]pendingImage, 0, len(stored))
	for _, a := range stored {
		data, err := os.ReadFile(a.Path)
		if err != nil || dedup.Hash(data) != a.Hash {
			slog.Info("stored assets changed, recrawling", "path", a.Path)
			return nil, false
		}
		pending = append(pending, pendingImage{
			Image: vision.Image{
				Path:     a.Path,
				Hash:     a.Hash,
				TypeHint: tables.Type(a.TypeHint),
			},
			item: a.SourceUrl,
		})
	}

	slog.Info("resuming from stored assets", "count", len(pending))
	return pending, true
}

// typeHint guesses the table type from URL context, used when the
// extraction response does not name a type itself.
func typeHint(asset *crawler.ImageAsset) tables.Type {
	for _, source := range []string{asset.SourceURL, asset.PageURL} {
		parsed, err := url.Parse(source)
		if err != nil {
			continue
		}
		segments := strings.FieldsFunc(parsed.Path, func(r rune) bool {
			return r == '/' || r == '-' || r == '_' || r == '.'
		})
		for _, segment := range segments {
			if t := tables.ParseType(segment); t != tables.TypeUnknown {
				return t
			}
		}
	}
	return tables.TypeUnknown
}

func (s *Service) writeDatasets(datasets []tables.Dataset) ([]string, error) {
	if len(datasets) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(s.datasetDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	paths := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		name := strings.ReplaceAll(string(ds.Type), " ", "-") + ".json"
		path := filepath.Join(s.datasetDir(), name)

		data, err := json.MarshalIndent(ds, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("encode dataset %s: %w", ds.Type, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write dataset %s: %w", ds.Type, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// finalize persists the terminal report. It runs even when ctx is
// already cancelled.
func (s *Service) finalize(ctx context.Context, report *Report) {
	ctx = context.WithoutCancel(ctx)

	err := s.qry.FinishRun(ctx, db.FinishRunParams{
		ID:                report.RunID,
		FinishedAt:        time.Now().Unix(),
		State:             string(report.State),
		Outcome:           string(report.Outcome),
		PagesDiscovered:   int64(report.Counters.PagesDiscovered),
		ImagesFetched:     int64(report.Counters.ImagesFetched),
		DuplicatesSkipped: int64(report.Counters.DuplicatesSkipped),
		RecordsExtracted:  int64(report.Counters.RecordsExtracted),
		ItemsFailed:       int64(report.Counters.ItemsFailed),
	})
	if err != nil {
		slog.Warn("failed to record run result", "run", report.RunID, "err", err)
	}

	for _, itemErr := range report.Errors {
		err := s.qry.AddRunError(ctx, db.AddRunErrorParams{
			RunID:  report.RunID,
			Item:   itemErr.Item,
			Reason: itemErr.Reason,
		})
		if err != nil {
			slog.Warn("failed to record run error", "run", report.RunID, "err", err)
		}
	}
}
