package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/TFMV/ntuple/config"
	ntflight "github.com/TFMV/ntuple/flight"
	"github.com/TFMV/ntuple/processor"
	"github.com/TFMV/ntuple/readspeed"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/docopt/docopt.go"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usage = `ntuple: typed columnar record stores.

Usage:
  ntuple ls <file> [--config=<path>]
  ntuple scan <file> <store> [--fields=<list>] [--first=<n>] [--max=<n>] [--config=<path>]
  ntuple readspeed <store> <file>... [--fields=<list>] [--pattern] [--threads=<n>] [--config=<path>]
  ntuple import <infile> <tree> <outfile> [--ntuple=<name>] [--compression=<c>] [--config=<path>]
  ntuple serve [--addr=<addr>] [--root=<dir>] [--metrics=<addr>] [--config=<path>]
  ntuple fetch <store> <file>... [--addr=<addr>] [--fields=<list>] [--config=<path>]
  ntuple (-h | --help)
  ntuple --version

Options:
  -h --help         Show this screen.
  --version         Show version.
  --config=<path>   YAML configuration file.
  --fields=<list>   Comma separated fields to read [default: *].
  --first=<n>       First entry to print [default: 0].
  --max=<n>         Maximum number of entries to print, -1 for all [default: -1].
  --pattern         Treat --fields as glob patterns.
  --threads=<n>     Reader goroutines, 0 reads on one goroutine.
  --ntuple=<name>   Name of the imported store, the tree name by default.
  --compression=<c> Codec of the imported store: none, lz4 or zstd.
  --addr=<addr>     Flight service address.
  --root=<dir>      Directory the Flight service is confined to.
  --metrics=<addr>  Serve Prometheus metrics on this address.
`

func main() {
	arguments, err := docopt.ParseArgs(usage, nil, "ntuple version 1.0.0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	cfgPath, _ := arguments.String("--config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sc, err := cfg.StoreConfig()
	if err != nil {
		logger.Fatal("invalid store configuration", zap.Error(err))
	}
	storeOpts := []store.Option{store.WithConfig(sc), store.WithLogger(logger)}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case flag(arguments, "ls"):
		file, _ := arguments.String("<file>")
		err = list(os.Stdout, file, storeOpts)
	case flag(arguments, "scan"):
		err = scan(os.Stdout, arguments, storeOpts, logger)
	case flag(arguments, "readspeed"):
		err = readSpeed(ctx, os.Stdout, arguments, cfg, storeOpts, logger)
	case flag(arguments, "import"):
		err = importStore(os.Stdout, arguments, cfg, storeOpts, logger)
	case flag(arguments, "serve"):
		err = serve(ctx, arguments, cfg, storeOpts, logger)
	case flag(arguments, "fetch"):
		err = fetch(ctx, os.Stdout, arguments, cfg, logger)
	}
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func flag(args docopt.Opts, key string) bool {
	v, _ := args.Bool(key)
	return v
}

func fieldList(args docopt.Opts) []string {
	s, _ := args.String("--fields")
	if s == "" || s == "*" {
		return nil
	}
	return strings.Split(s, ",")
}

// list prints every store of a file with its fields.
func list(w io.Writer, path string, opts []store.Option) error {
	f, err := storage.Open(path, storage.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, st := range f.Stats() {
		s, err := store.Open(f, st.Name, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d entries\t%d bytes\n", st.Name, st.Kind, s.NumEntries(), st.Bytes)
		for _, field := range s.Schema().Fields() {
			fmt.Fprintf(w, "  %s\n", field)
		}
		s.Close()
	}
	return nil
}

// scan prints entries as JSON lines.
func scan(w io.Writer, args docopt.Opts, opts []store.Option, logger *zap.Logger) error {
	file, _ := args.String("<file>")
	name, _ := args.String("<store>")
	first, err := args.Int("--first")
	if err != nil {
		return fmt.Errorf("--first: %w", err)
	}
	limit, err := args.Int("--max")
	if err != nil {
		return fmt.Errorf("--max: %w", err)
	}
	spec := store.Spec{Name: name, Path: file}

	var model *schema.Model
	if fields := fieldList(args); fields != nil {
		s, err := store.OpenSpec(spec, opts...)
		if err != nil {
			return err
		}
		sch := s.Schema()
		s.Close()
		model = schema.NewModel()
		for _, f := range fields {
			field, ok := sch.FieldByName(f)
			if !ok {
				return fmt.Errorf("store %s has no field %q", spec, f)
			}
			if err := model.AddField(field); err != nil {
				return err
			}
		}
	}

	p, err := processor.Create(spec, model, processor.WithLogger(logger), processor.WithStoreOptions(opts...))
	if err != nil {
		return err
	}
	defer p.Close()

	enc := json.NewEncoder(w)
	printed := 0
	emit := func(e *processor.Entry) error {
		row := map[string]any{"_entry": p.CurrentEntryNumber()}
		for _, f := range e.Fields() {
			v, err := e.Get(f)
			if err != nil {
				continue
			}
			row[f] = v
		}
		printed++
		return enc.Encode(row)
	}

	if limit == 0 {
		return nil
	}
	if err := p.LoadEntry(int64(first)); err != nil {
		return err
	}
	if err := emit(p.Entry()); err != nil {
		return err
	}
	for (limit < 0 || printed < limit) && p.Next() {
		if err := emit(p.Entry()); err != nil {
			return err
		}
	}
	return p.Err()
}

func readSpeed(ctx context.Context, w io.Writer, args docopt.Opts, cfg config.Config, opts []store.Option, logger *zap.Logger) error {
	name, _ := args.String("<store>")
	files, _ := args["<file>"].([]string)
	fields := fieldList(args)
	pattern := flag(args, "--pattern")
	if fields == nil {
		fields, pattern = []string{"*"}, true
	}
	threads := cfg.ReadSpeed.Threads
	if _, ok := args["--threads"].(string); ok {
		n, err := args.Int("--threads")
		if err != nil {
			return fmt.Errorf("--threads: %w", err)
		}
		threads = n
	}

	res, err := readspeed.Run(ctx, readspeed.Data{
		Stores:      []string{name},
		Files:       files,
		Fields:      fields,
		UsePatterns: pattern,
	}, readspeed.Options{
		Workers:      threads,
		ChunkEntries: cfg.ReadSpeed.ChunkEntries,
		StoreOptions: opts,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Real time to setup: %v\n", res.SetupTime)
	fmt.Fprintf(w, "Real time: %v\n", res.RealTime)
	fmt.Fprintf(w, "Entries read: %d\n", res.Entries)
	fmt.Fprintf(w, "Uncompressed data read: %d bytes\n", res.UncompressedBytes)
	fmt.Fprintf(w, "Compressed data read: %d bytes\n", res.CompressedBytes)
	fmt.Fprintf(w, "Throughput: %.2f MB/s\n", res.Throughput())
	fmt.Fprintf(w, "Workers: %d\n", res.Workers)
	return nil
}

// importStore copies a tree into an ntuple store. Input and output may be
// the same file as long as the names differ.
func importStore(w io.Writer, args docopt.Opts, cfg config.Config, opts []store.Option, logger *zap.Logger) (err error) {
	inPath, _ := args.String("<infile>")
	tree, _ := args.String("<tree>")
	outPath, _ := args.String("<outfile>")
	name := tree
	if v, err := args.String("--ntuple"); err == nil && v != "" {
		name = v
	}
	if c, err := args.String("--compression"); err == nil && c != "" {
		codec, err := store.ParseCompression(c)
		if err != nil {
			return fmt.Errorf("--compression: %w", err)
		}
		sc, err := cfg.StoreConfig()
		if err != nil {
			return err
		}
		sc.Compression = codec
		opts = append(opts, store.WithConfig(sc))
	}

	inAbs, err := filepath.Abs(inPath)
	if err != nil {
		return err
	}
	outAbs, err := filepath.Abs(outPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(inAbs); err != nil {
		return err
	}

	fmt.Fprintf(w, "Converting tree '%s' in '%s' to ntuple '%s' in '%s'...\n", tree, inPath, name, outPath)
	dst, err := storage.Open(outAbs, storage.ModeUpdate, storage.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
	}()

	var src *store.Store
	if inAbs == outAbs {
		src, err = store.Open(dst, tree, opts...)
	} else {
		src, err = store.OpenSpec(store.Spec{Name: tree, Path: inAbs}, opts...)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := store.Import(src, dst, name, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Imported %d entries\n", n)
	return nil
}

// fetch streams stores from a Flight service and prints their rows as
// JSON lines.
func fetch(ctx context.Context, w io.Writer, args docopt.Opts, cfg config.Config, logger *zap.Logger) error {
	addr := cfg.Flight.Addr
	if v, err := args.String("--addr"); err == nil && v != "" {
		addr = v
	}
	name, _ := args.String("<store>")
	files, _ := args["<file>"].([]string)

	c, err := ntflight.NewClient(addr,
		ntflight.WithTimeout(cfg.Flight.Timeout),
		ntflight.WithClientLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	t := ntflight.Ticket{Fields: fieldList(args)}
	for _, f := range files {
		t.Specs = append(t.Specs, store.Spec{Name: name, Path: f})
	}
	records, err := c.Fetch(ctx, t)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	for _, rec := range records {
		if err := array.RecordToJSON(rec, w); err != nil {
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, args docopt.Opts, cfg config.Config, opts []store.Option, logger *zap.Logger) error {
	addr := cfg.Flight.Addr
	if v, err := args.String("--addr"); err == nil && v != "" {
		addr = v
	}
	root := cfg.Flight.Root
	if v, err := args.String("--root"); err == nil && v != "" {
		root = v
	}

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(ntflight.NewService(
		ntflight.WithRoot(root),
		ntflight.WithServiceLogger(logger),
		ntflight.WithServiceStoreOptions(opts...),
	))

	if maddr, err := args.String("--metrics"); err == nil && maddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: maddr, Handler: mux}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer ms.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	logger.Info("serving stores over Arrow Flight", zap.Stringer("addr", srv.Addr()), zap.String("root", root))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
		srv.Shutdown()
		return nil
	}
}
