package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-asr/internal/arrowio"
	"github.com/23skdu/longbow-asr/internal/asr"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/errrate"
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/monitoring"
	"github.com/23skdu/longbow-asr/internal/nn"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

type options struct {
	configPath  string
	metricsAddr string
	logLevel    string
	logFormat   string
	steps       int
	batchSize   int
	frames      int
	idim        int
	odim        int
	flightHost  string
	flightPort  int
	attnOut     string
	ctcOut      string
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:           "asr-smoke",
		Short:         "Train a small recognizer on synthetic data and decode one utterance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := root.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML file with model and decode sections")
	f.StringVar(&opts.metricsAddr, "metrics", ":9090", "Address serving /metrics, /health and /status (empty disables)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")
	f.IntVar(&opts.steps, "steps", 8, "Training steps to run")
	f.IntVar(&opts.batchSize, "batch", 4, "Utterances per synthetic batch")
	f.IntVar(&opts.frames, "frames", 20, "Frames per synthetic utterance")
	f.IntVar(&opts.idim, "idim", 10, "Input feature dimension")
	f.IntVar(&opts.odim, "odim", 8, "Output vocabulary size including blank and sos/eos")
	f.StringVar(&opts.flightHost, "flight-host", "", "Arrow Flight host receiving collected embeddings (empty disables)")
	f.IntVar(&opts.flightPort, "flight-port", arrowio.DefaultFlightPort, "Arrow Flight port")
	f.StringVar(&opts.attnOut, "attn-out", "", "Write attention weights of one batch to this Arrow IPC file")
	f.StringVar(&opts.ctcOut, "ctc-out", "", "Write CTC posteriors of one batch to this Arrow IPC file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// smokeConfig shrinks the defaults so a run finishes in seconds.
func smokeConfig() config.File {
	cfg := config.Default()
	cfg.AttentionDim = 16
	cfg.AttentionHeads = 2
	cfg.EncoderUnits = 32
	cfg.DecoderUnits = 32
	cfg.EncoderLayers = 2
	cfg.DecoderLayers = 1
	cfg.EncoderClusters = 4
	cfg.DecoderClusters = 2
	cfg.InitTokenBudget = 200
	cfg.GMMMaxIter = 30
	dec := config.DefaultDecode()
	dec.BeamSize = 3
	dec.NBest = 2
	return config.File{Model: cfg, Decode: dec}
}

func run(ctx context.Context, opts *options) error {
	logger.Setup(opts.logLevel, opts.logFormat)
	log := logger.Component("smoke")
	if opts.odim < 3 || opts.idim <= 0 || opts.batchSize <= 0 || opts.frames <= 0 {
		return fmt.Errorf("%w: idim=%d odim=%d batch=%d frames=%d", config.ErrInvalid, opts.idim, opts.odim, opts.batchSize, opts.frames)
	}

	cfg := smokeConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var modelOpts []asr.Option
	chars := cfg.Model.CharList
	if len(chars) == 0 {
		chars = syntheticChars(opts.odim)
	}
	modelOpts = append(modelOpts, asr.WithErrorCalculator(
		errrate.New(chars, cfg.Model.SymSpace, cfg.Model.SymBlank, true, true)))
	if opts.flightHost != "" {
		sink := arrowio.NewFlightSink(opts.flightHost, opts.flightPort)
		if err := sink.Connect(ctx); err != nil {
			return err
		}
		defer sink.Close()
		modelOpts = append(modelOpts, asr.WithEmbeddingSink(sink))
	}

	model, err := asr.New(opts.idim, opts.odim, cfg.Model, modelOpts...)
	if err != nil {
		return err
	}

	monitor := monitoring.NewHealthMonitor(model)
	if opts.metricsAddr != "" {
		go func() {
			if err := monitor.Start(opts.metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Health monitor error", "error", err)
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(shutdown)
		}()
	}

	rng := nn.NewRand(cfg.Model.Seed + 1)
	data := func() asr.Batch {
		b := asr.Batch{}
		for i := 0; i < opts.batchSize; i++ {
			x := mat.NewDense(opts.frames, opts.idim, nil)
			for r := 0; r < opts.frames; r++ {
				for c := 0; c < opts.idim; c++ {
					x.Set(r, c, rng.NormFloat64())
				}
			}
			target := make([]int, 1+rng.IntN(3))
			for j := range target {
				target[j] = 1 + rng.IntN(opts.odim-2)
			}
			b.Features = append(b.Features, x)
			b.Targets = append(b.Targets, target)
		}
		return b
	}

	for i := 0; i < opts.steps; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn("Interrupt received, stopping", "step", i)
			return nil
		}
		start := time.Now()
		step, err := model.Forward(ctx, data())
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		monitor.RecordStep(step.Loss.Value, step.Valid, time.Since(start))
		log.Info("Training step",
			"step", i, "loss", step.Loss.Value, "valid", step.Valid,
			"stage", model.Stage().State().String(), "tokens", model.Stage().Tokens(), "fitted", len(step.Fitted))
	}

	model.Eval()
	eval := data()
	step, err := model.Forward(ctx, eval)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	log.Info("Evaluation", "components", step.Bundle.Components())

	nbest, err := model.Recognize(eval.Features[0], cfg.Decode, chars, nil)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	for i, h := range nbest {
		log.Info("Hypothesis", "rank", i, "score", h.Score, "tokens", h.Tokens)
	}

	if opts.attnOut != "" {
		maps, err := model.CalculateAllAttentions(eval)
		if err != nil {
			return err
		}
		if err := writeFile(opts.attnOut, func(f *os.File) error { return arrowio.WriteAttentions(f, maps) }); err != nil {
			return err
		}
		log.Info("Wrote attention weights", "path", opts.attnOut, "maps", len(maps))
	}
	if opts.ctcOut != "" {
		probs, err := model.CalculateAllCTCProbs(eval)
		if err != nil {
			return err
		}
		if probs == nil {
			log.Warn("Model has no CTC branch, skipping posteriors")
			return nil
		}
		if err := writeFile(opts.ctcOut, func(f *os.File) error { return arrowio.WriteCTCProbs(f, probs) }); err != nil {
			return err
		}
		log.Info("Wrote CTC posteriors", "path", opts.ctcOut, "utterances", len(probs))
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syntheticChars names blank, letters and the shared sos/eos symbol.
func syntheticChars(odim int) []string {
	chars := make([]string, odim)
	chars[0] = "<blank>"
	for i := 1; i < odim-1; i++ {
		chars[i] = string(rune('a' + i - 1))
	}
	chars[odim-1] = "<eos>"
	return chars
}
