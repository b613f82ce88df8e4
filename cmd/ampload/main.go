// Command ampload replays archived amplitude documents into the store and
// optionally runs one association sweep, writing each export as a JSON file
// under its object key.
//
// Usage:
//
//	go run ./cmd/ampload \
//	  -dir data/amps/20240501 \
//	  -driver sqlite -dsn amps.db \
//	  -origins data/origins.json \
//	  -sweep -out exports \
//	  -now 2024-05-01T13:00:00Z
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/adapter/store"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/couchcryptid/amp-association-service/internal/observability"
	"github.com/couchcryptid/amp-association-service/internal/pipeline"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	dir := flag.String("dir", "", "directory of amplitude XML documents, searched recursively")
	driver := flag.String("driver", sharedcfg.EnvOrDefault("DATABASE_DRIVER", "sqlite"), "database driver: postgres or sqlite")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "database connection string")
	origins := flag.String("origins", "", "optional JSON file holding an array of event descriptors")
	sweep := flag.Bool("sweep", false, "run one association sweep after loading")
	out := flag.String("out", "exports", "directory receiving sweep exports")
	now := flag.String("now", "", "RFC3339 time to use as the current time, for replaying old archives")
	flag.Parse()

	if *dir == "" || *dsn == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -dir, -dsn")
	}

	if *now != "" {
		at, err := time.Parse(time.RFC3339, *now)
		if err != nil {
			return fmt.Errorf("parse -now: %w", err)
		}
		// Fixed clock so load times and retention cutoffs follow the archive.
		domain.SetClock(clockwork.NewFakeClockAt(at.UTC()))
	}

	logger := sharedobs.NewLogger(sharedcfg.EnvOrDefault("LOG_LEVEL", "info"), "text")
	metrics := observability.NewMetricsForTesting()
	ctx := context.Background()

	db, err := store.Open(*driver, *dsn, domain.DefaultWindow(), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		return err
	}

	if *origins != "" {
		n, err := loadOrigins(ctx, db, *origins, logger, metrics)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %d origins from %s\n", n, *origins)
	}

	files, err := amplitudeFiles(*dir)
	if err != nil {
		return err
	}

	handler, err := pipeline.NewAmplitudeHandler(db, len(files), logger, metrics)
	if err != nil {
		return err
	}
	counts := map[domain.Outcome]int{}
	failed := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := handler.Ingest(ctx, filepath.Base(path), data)
		if err != nil {
			if !domain.IsSkippable(err) {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			logger.Warn("skipping document", "path", path, "error", err)
			failed++
			continue
		}
		counts[res.Outcome]++
	}
	fmt.Printf("Loaded %d documents from %s (%s, %d rejected)\n", len(files), *dir, summarize(counts), failed)

	if !*sweep {
		return nil
	}

	sweeper := pipeline.NewSweeper(db, fileSink{root: *out}, pipeline.SweepOptions{
		StationMaxAge: 15 * 24 * time.Hour,
		EventMaxAge:   90 * 24 * time.Hour,
		Software:      "ampload",
		Version:       "dev",
	}, logger, metrics)
	report, err := sweeper.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sweep %s: %d events, %d stations associated, %d exports written to %s, %d failed\n",
		report.RunID, report.Events, report.StationsAssociated, report.ExportsWritten, *out, report.ExportsFailed)
	return nil
}

// amplitudeFiles lists the .xml files under dir in lexical order.
func amplitudeFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadOrigins(ctx context.Context, db *store.Store, path string, logger *slog.Logger, metrics *observability.Metrics) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var descriptors []domain.EventDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	h := pipeline.NewOriginHandler(db, logger, metrics)
	for _, d := range descriptors {
		if _, _, err := h.Upsert(ctx, d); err != nil {
			return 0, fmt.Errorf("store origin %s: %w", d.EventID, err)
		}
	}
	return len(descriptors), nil
}

func summarize(counts map[domain.Outcome]int) string {
	outcomes := []domain.Outcome{
		domain.OutcomeInserted, domain.OutcomeMerged, domain.OutcomeDuplicate,
		domain.OutcomeEmpty, domain.OutcomeNoTime,
	}
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", o, counts[o]))
	}
	return strings.Join(parts, " ")
}

// fileSink writes exports to root/<object key>.
type fileSink struct {
	root string
}

func (f fileSink) Export(_ context.Context, eventID string, payload domain.ExportPayload) error {
	path := filepath.Join(f.root, filepath.FromSlash(domain.ExportKey(eventID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
