package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Swarchal/scPortrait/pipeline"
	"github.com/Swarchal/scPortrait/pipeline/config"
	"github.com/Swarchal/scPortrait/pipeline/resultdb"
	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/kibi"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("scportrait", "Segmentation and single cell extraction for whole slide images")

	runCmd := parser.NewCommand("run", "Run the pipeline on an image")
	runConfig := runCmd.String("c", "config", &argparse.Options{Help: "Pipeline config file (YAML)", Required: true})
	runOverwrite := runCmd.Flag("", "overwrite", &argparse.Options{Help: "Replace existing step output", Default: false})

	configCmd := parser.NewCommand("config", "Print the default config, or a config file with defaults filled in")
	configFile := configCmd.String("c", "config", &argparse.Options{Help: "Config file to resolve", Default: ""})

	arraysCmd := parser.NewCommand("arrays", "List the arrays of a chunk store")
	arraysStore := arraysCmd.String("s", "store", &argparse.Options{Help: "Chunk store directory", Required: true})

	runsCmd := parser.NewCommand("runs", "List the runs recorded in a project")
	runsConfig := runsCmd.String("c", "config", &argparse.Options{Help: "Pipeline config file (YAML)", Required: true})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	switch {
	case runCmd.Happened():
		err = runPipeline(logger, *runConfig, *runOverwrite)
	case configCmd.Happened():
		err = printConfig(*configFile)
	case arraysCmd.Happened():
		err = listArrays(logger, *arraysStore)
	case runsCmd.Happened():
		err = listRuns(logger, *runsConfig)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func runPipeline(logger logs.Log, configFile string, overwrite bool) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if overwrite {
		cfg.Overwrite = true
	}
	if cfg.Input.Store == "" {
		return fmt.Errorf("Config '%v' has no input store", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, err := chunkstore.Open(logger, cfg.Input.Store, cfg.Cache.Settings())
	if err != nil {
		return fmt.Errorf("Failed to open input store: %w", err)
	}
	defer input.Close()
	src, err := imgsrc.OpenChunkSource(input, cfg.Input.Array)
	if err != nil {
		return err
	}

	p, err := pipeline.New(logger, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	res, err := p.Run(ctx, src)
	if err != nil {
		return err
	}

	st := input.Stats()
	logger.Infof("Input cache: %v hits, %v misses", st.Hits, st.Misses)
	fmt.Printf("Run %v: %v cells, %v crops, %v shapes, path %.0f px\n", res.RunID, len(res.Match.Cells), res.Extract.Rows, len(res.Selection.Polygons), res.PathLength)
	fmt.Printf("Shapes: %v\n", res.ExportURL)
	return nil
}

func printConfig(configFile string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return err
		}
	}
	raw, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Print(string(raw))
	return nil
}

func listArrays(logger logs.Log, dir string) error {
	store, err := chunkstore.Open(logger, dir, chunkstore.DefaultSettings())
	if err != nil {
		return err
	}
	defer store.Close()
	names, err := store.ArrayNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		arr, err := store.OpenArray(name)
		if err != nil {
			return err
		}
		size := int64(arr.ChunkByteSize()) * int64(arr.NumChunks())
		fmt.Printf("%-24v %-8v shape %v chunks %v (%v uncompressed)\n", name, arr.DType(), arr.Shape(), arr.ChunkShape(), kibi.FormatBytes(size))
	}
	return nil
}

func listRuns(logger logs.Log, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	db, err := resultdb.Open(logger, cfg.ResultDBConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%v  %v  %-8v", r.ID, r.StartedAt.Get().Format(time.DateTime), r.Status)
		if r.Summary != nil {
			s := r.Summary.Data
			fmt.Printf("  %v cells, %v crops, %v shapes", s.Cells, s.Crops, s.Polygons)
			reasons := []string{}
			for reason := range s.Discards {
				reasons = append(reasons, reason)
			}
			sort.Strings(reasons)
			for _, reason := range reasons {
				fmt.Printf(", %v %v", s.Discards[reason], reason)
			}
			if s.Error != "" {
				fmt.Printf("  (%v)", s.Error)
			}
		}
		fmt.Printf("\n")
	}
	return nil
}
