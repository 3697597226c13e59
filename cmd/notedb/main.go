// Command notedb is an embedded nostr note database: it ingests event
// JSON, maintains indexes and engagement counters, and answers
// filter queries from the command line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/gnostr/notedb/metrics"
	"github.com/gnostr/notedb/store"
	"github.com/gnostr/notedb/wire"
)

type cli struct {
	DB       string `help:"Note store directory." default:"./notedb" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`

	Ingest  ingestCmd  `cmd:"" help:"Ingest event JSON from files or stdin."`
	Query   queryCmd   `cmd:"" help:"Query stored notes with a filter."`
	Watch   watchCmd   `cmd:"" help:"Stream matching notes as they arrive on stdin."`
	Stats   statsCmd   `cmd:"" help:"Show engagement counters for a note."`
	Profile profileCmd `cmd:"" help:"Show the stored profile of a pubkey."`
	Metrics metricsCmd `cmd:"" help:"Export a metrics snapshot."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("notedb"),
		kong.Description("Embedded nostr note database."),
		kong.UsageOnError(),
	)

	logger := newLogger(c.LogLevel)
	slog.SetDefault(logger)

	if err := ctx.Run(&runCtx{cli: &c, logger: logger}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

type runCtx struct {
	cli    *cli
	logger *slog.Logger
}

func (rc *runCtx) openStore(opts ...store.Option) (*store.Store, error) {
	opts = append([]store.Option{store.WithLogger(rc.logger)}, opts...)
	return store.Open(rc.cli.DB, opts...)
}

type ingestCmd struct {
	Relay string   `help:"Relay URL to record as the event source."`
	Files []string `arg:"" optional:"" help:"Files of line-delimited event JSON; stdin when omitted." type:"existingfile"`
}

func (cmd *ingestCmd) Run(rc *runCtx) error {
	s, err := rc.openStore()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	readers := cmd.Files
	if len(readers) == 0 {
		readers = []string{"-"}
	}
	total := 0
	for _, path := range readers {
		data, err := readInput(path)
		if err != nil {
			return err
		}
		n, err := s.IngestEvents(data, cmd.Relay)
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		total += n
	}
	rc.logger.Info("ingest complete", "events", total)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

type filterFlags struct {
	ID     []string `help:"Event id (hex), repeatable."`
	Author []string `help:"Author pubkey (hex), repeatable."`
	Kind   []uint32 `help:"Event kind, repeatable."`
	Tag    []string `help:"Tag predicate as letter=value, repeatable."`
	Since  int64    `help:"Oldest created_at (unix seconds)."`
	Until  int64    `help:"Newest created_at (unix seconds)."`
	Limit  int      `help:"Maximum results." default:"20"`
	Search string   `help:"Substring match on content."`
}

func (ff *filterFlags) build() (wire.Filter, error) {
	f := wire.Filter{Limit: ff.Limit, Search: ff.Search}
	for _, s := range ff.ID {
		id, err := wire.ParseEventID(s)
		if err != nil {
			return f, fmt.Errorf("bad id %q: %w", s, err)
		}
		f.IDs = append(f.IDs, id)
	}
	for _, s := range ff.Author {
		pk, err := wire.ParsePubkey(s)
		if err != nil {
			return f, fmt.Errorf("bad author %q: %w", s, err)
		}
		f.Authors = append(f.Authors, pk)
	}
	f.Kinds = ff.Kind
	for _, s := range ff.Tag {
		letter, value, ok := strings.Cut(s, "=")
		if !ok || len(letter) != 1 {
			return f, fmt.Errorf("bad tag predicate %q, want letter=value", s)
		}
		if f.Tags == nil {
			f.Tags = make(map[byte][]string)
		}
		f.Tags[letter[0]] = append(f.Tags[letter[0]], value)
	}
	if ff.Since > 0 {
		since := ff.Since
		f.Since = &since
	}
	if ff.Until > 0 {
		until := ff.Until
		f.Until = &until
	}
	return f, nil
}

type queryCmd struct {
	filterFlags
	Page int `help:"Page size for cursor pagination; 0 returns a single batch."`
}

func (cmd *queryCmd) Run(rc *runCtx) error {
	s, err := rc.openStore()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	f, err := cmd.build()
	if err != nil {
		return err
	}

	if cmd.Page > 0 {
		c := s.NewCursor(f, cmd.Page)
		for c.HasMore() {
			page, err := c.Next()
			if err != nil {
				return err
			}
			printNotes(page)
		}
		return nil
	}

	txn, err := s.BeginRead()
	if err != nil {
		return err
	}
	defer txn.End()
	notes, err := txn.QueryFilter(f)
	if err != nil {
		return err
	}
	printNotes(notes)
	return nil
}

func printNotes(notes []*store.Note) {
	for _, n := range notes {
		fmt.Printf("%s\n", n.JSON())
	}
}

type watchCmd struct {
	filterFlags
	Relay string `help:"Relay URL to record as the event source."`
}

// Run ingests line-delimited events from stdin and prints the ones
// matching the filter, demonstrating match-on-commit delivery.
func (cmd *watchCmd) Run(rc *runCtx) error {
	f, err := cmd.build()
	if err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	s, err := rc.openStore(store.WithNotify(func(_ context.Context, _ uint64) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	subID := s.Subscribe(f)
	defer s.Unsubscribe(subID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			s.IngestEventsAsync([][]byte{line}, cmd.Relay)
		}
	}()

	drain := func() {
		for _, key := range s.PollNotes(subID, 0) {
			printNoteByKey(s, key)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			drain()
		case <-done:
			// Async batches may still be in flight behind the last line.
			time.Sleep(50 * time.Millisecond)
			drain()
			return nil
		}
	}
}

func printNoteByKey(s *store.Store, key uint64) {
	txn, err := s.BeginRead()
	if err != nil {
		return
	}
	defer txn.End()
	if n, err := txn.NoteByKey(key); err == nil {
		fmt.Printf("%s\n", n.JSON())
	}
}

type statsCmd struct {
	ID string `arg:"" help:"Event id (hex)."`
}

func (cmd *statsCmd) Run(rc *runCtx) error {
	id, err := wire.ParseEventID(cmd.ID)
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}
	s, err := rc.openStore()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	txn, err := s.BeginRead()
	if err != nil {
		return err
	}
	defer txn.End()

	meta, err := txn.NoteMeta(id)
	if err != nil {
		return err
	}
	fmt.Printf("reactions:       %d\n", meta.Reactions)
	fmt.Printf("reposts:         %d\n", meta.Reposts)
	fmt.Printf("direct replies:  %d\n", meta.RepliesDirect)
	fmt.Printf("thread replies:  %d\n", meta.RepliesThread)
	fmt.Printf("quotes:          %d\n", meta.Quotes)

	breakdown, err := txn.ReactionBreakdown(id)
	if err != nil {
		return err
	}
	for content, count := range breakdown {
		fmt.Printf("  %-12q %d\n", content, count)
	}

	zaps, err := txn.ZapStatsBatch([]wire.EventID{id})
	if err != nil {
		return err
	}
	fmt.Printf("zaps:            %d (%d msat)\n", zaps[id].Count, zaps[id].TotalMsat)
	return nil
}

type profileCmd struct {
	Pubkey string `arg:"" help:"Author pubkey (hex)."`
}

func (cmd *profileCmd) Run(rc *runCtx) error {
	pk, err := wire.ParsePubkey(cmd.Pubkey)
	if err != nil {
		return fmt.Errorf("bad pubkey: %w", err)
	}
	s, err := rc.openStore()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	txn, err := s.BeginRead()
	if err != nil {
		return err
	}
	defer txn.End()

	p, err := txn.Profile(pk)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	return nil
}

type metricsCmd struct {
	Out string `help:"Write the Prometheus text export to this file." type:"path"`
}

func (cmd *metricsCmd) Run(rc *runCtx) error {
	s, err := rc.openStore()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // exiting anyway

	var opts []metrics.CollectorOption
	opts = append(opts, metrics.WithLogger(rc.logger))
	if cmd.Out != "" {
		opts = append(opts, metrics.WithExportPath(cmd.Out))
	}
	c := metrics.NewCollector(metrics.Default(), opts...)
	snap := c.CollectNow()
	if snap == nil {
		return fmt.Errorf("no metrics snapshot")
	}

	fmt.Printf("taken at %s\n", snap.TakenAt.Format(time.RFC3339))
	for name, cs := range snap.Counters {
		fmt.Printf("%-40s %12.0f (+%.0f/60s)\n", name, cs.Total, cs.Delta60s)
	}
	for name, v := range snap.Gauges {
		fmt.Printf("%-40s %12g\n", name, v)
	}
	for name, hs := range snap.Histograms {
		fmt.Printf("%-40s count=%d p50=%.4f p90=%.4f p99=%.4f\n", name, hs.Count, hs.P50, hs.P90, hs.P99)
	}
	return nil
}
