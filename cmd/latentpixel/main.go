// latentpixel creates, adapts and inspects latent pixel models.
//
// Usage:
//
//	latentpixel [flags] <command>
//
// Commands:
//
//   - init: creates a model with a freshly initialized backbone, and saves the backbone to -out.
//   - adapt: loads the backbone (param "backbone") with the geometry of the model (param "latent_size"),
//     re-initializes its connection layers and saves it to -out.
//   - inspect: loads the model and prints the backbone variables and, if loaded from a checkpoint, what
//     happened to each of them.
//   - smoke: runs the model forward on random batches and prints the losses.
//
// The model is configured with -model ("key1=value1,key2=value2,...") and -config (a YAML file), the
// former taking precedence. Use -help_params to list the parameters.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/latentmodel"
	"github.com/janpfeifer/latentpixel/internal/parameters"
	"github.com/janpfeifer/latentpixel/internal/profilers"
	"github.com/janpfeifer/latentpixel/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	flagModel      = flag.String("model", "", "Model parameters, as \"key1=value1,key2=value2,...\".")
	flagConfig     = flag.String("config", "", "YAML file with model parameters. Values in -model take precedence.")
	flagOut        = flag.String("out", "", "Directory where to save the backbone, for the init and adapt commands.")
	flagHelpParams = flag.Bool("help_params", false, "List the model parameters and exit.")
	flagBatchSize  = flag.Int("batch_size", 4, "Batch size of the smoke command.")
	flagNumBatches = flag.Int("num_batches", 3, "Number of batches of the smoke command.")
	flagMaskRatio  = flag.Float64("mask_ratio", 0.25, "Fraction of patches masked by the smoke command.")
	flagSeed       = flag.Uint64("seed", 42, "Seed of the random batches of the smoke command.")
)

var commands = map[string]func(ctx context.Context, m latentmodel.LatentModel) error{
	"init":    runInit,
	"adapt":   runAdapt,
	"inspect": runInspect,
	"smoke":   runSmoke,
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] {init|adapt|inspect|smoke}\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagHelpParams {
		fmt.Printf("Model parameters:\n%s", latentmodel.ParamsHelp())
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	command, found := commands[flag.Arg(0)]
	if !found {
		klog.Exitf("Unknown command %q", flag.Arg(0))
	}
	if err := checkMaskRatio(*flagMaskRatio); err != nil {
		klog.Exitf("%+v", err)
	}

	// Capture Control+C
	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()

	profilers.Setup(ctx)
	defer profilers.OnQuit()

	params := must.M1(modelParams())
	if flag.Arg(0) == "adapt" {
		params[latentmodel.ParamInitConnection] = "true"
	}
	m := must.M1(latentmodel.New(params))
	must.M(command(ctx, m))
}

// modelParams merges the -config file and the -model flag.
func modelParams() (parameters.Params, error) {
	var fromFile parameters.Params
	if *flagConfig != "" {
		var err error
		fromFile, err = parameters.NewFromYAML(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	return parameters.Merge(fromFile, parameters.NewFromConfigString(*flagModel)), nil
}

// creator is implemented by the models that can create a backbone from scratch.
type creator interface {
	CreateBackbone() (backbone.Module, error)
}

func runInit(_ context.Context, m latentmodel.LatentModel) error {
	if *flagOut == "" {
		return errors.New("init requires -out")
	}
	if !backbone.IsNil(m.Backbone()) {
		return errors.New("init creates a new backbone, don't set the parameter \"backbone\"")
	}
	c, ok := m.(creator)
	if !ok {
		return errors.Errorf("model %T can't create backbones", m)
	}
	if _, err := c.CreateBackbone(); err != nil {
		return err
	}
	if err := m.SaveBackbone(*flagOut); err != nil {
		return err
	}
	fmt.Printf("Backbone for latent size %s saved to %q\n", m.LatentSize(), *flagOut)
	return nil
}

func runAdapt(_ context.Context, m latentmodel.LatentModel) error {
	if *flagOut == "" {
		return errors.New("adapt requires -out")
	}
	if backbone.IsNil(m.Backbone()) {
		return errors.Errorf("adapt requires the parameter %q", latentmodel.ParamBackbone)
	}
	if err := m.SaveBackbone(*flagOut); err != nil {
		return err
	}
	fmt.Println(renderReport(m.Backbone().Unwrap().LoadReport(), terminalWidth()))
	fmt.Printf("Backbone adapted to latent size %s saved to %q\n", m.LatentSize(), *flagOut)
	return nil
}
