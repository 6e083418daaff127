package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/catalog"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/config"
	"github.com/loopholelabs/cloudlet/pkg/launcher"
	"github.com/loopholelabs/cloudlet/pkg/measure"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/muesli/gotable"
)

func main() {
	commandNames := make([]string, len(launcher.Commands))
	for i, c := range launcher.Commands {
		commandNames[i] = string(c)
	}

	appNames := make([]string, len(catalog.Applications))
	for i, a := range catalog.Applications {
		appNames[i] = string(a)
	}

	rawCommand := flag.String("command", "", "Command type among ("+strings.Join(commandNames, ", ")+")")
	rawApp := flag.String("app", "", "Application name among ("+strings.Join(appNames, ", ")+")")
	configPath := flag.String("config", "", "Path to configuration file (defaults are used if empty)")
	powerCommand := flag.String("power-command", "", "Sampler command printing watts,... lines, e.g. 'ssh host wattsup /dev/ttyUSB0' (overrides the configuration)")
	outDir := flag.String("out", "ret", "Directory for power and application logs")
	runApp := flag.Bool("run-app", true, "Whether to run the application client after delivery")

	flag.Parse()

	log := logging.New(logging.Zerolog, "cloudlet-client", os.Stderr)
	log.SetLevel(types.InfoLevel)

	app, err := catalog.ParseApplication(*rawApp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()

		os.Exit(2)
	}

	conf := config.Default()
	if *configPath != "" {
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("Could not load configuration")

			os.Exit(2)
		}
	}

	if *powerCommand != "" {
		conf.Client.PowerCommand = strings.Fields(*powerCommand)
	}

	cat, err := catalog.Load(conf.Client.CatalogPath)
	if err != nil {
		log.Error().Err(err).Msg("Could not load catalog")

		os.Exit(2)
	}

	launch, err := launcher.Decode(*rawCommand, app, launcher.Targets{
		SynthesisAddress: conf.Client.SynthesisAddress,
		HTTPBase:         conf.Client.HTTPBase,
		Cores:            conf.Client.Cores,
	}, cat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()

		os.Exit(2)
	}

	if err := os.MkdirAll(*outDir, os.ModePerm); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt)

		<-done

		log.Info().Msg("Exiting gracefully")

		cancel()
	}()

	l := launcher.NewLauncher(log, nil, func(address string) *synthesis.Client {
		return synthesis.NewClient(log, address, conf.Client.Synthesis(), nil)
	})

	stamp := time.Now().Format("Mon-15:04:05")

	vm := startPower(ctx, log, conf.Client.PowerCommand, filepath.Join(*outDir, fmt.Sprintf("%s.%s.VM.%s", *rawCommand, app, stamp)))
	vmStart := time.Now()
	launchErr := l.Launch(ctx, launch)
	vmTime := time.Since(vmStart)
	vmPower := vm()

	if launchErr != nil {
		log.Error().Err(launchErr).Msg("Could not deliver VM")

		os.Exit(common.ExitCode(launchErr, 1))
	}

	report := gotable.NewTable([]string{"VM_time", "App_time", "VM_power", "VM_Joule", "App_power", "App_Joule"},
		[]int64{10, 10, 10, 10, 10, 10}, "No data in table.")

	entry, err := cat.Entry(app)
	if err != nil {
		panic(err)
	}

	var (
		appTime  time.Duration
		appPower measure.Result
		latency  *measure.LatencySummary
	)
	if *runApp && len(entry.ClientCommand) > 0 {
		log.Info().Str("cool-down", time.Duration(conf.Client.CoolDown).String()).Msg("Finished VM delivery, waiting before measuring the application")

		select {
		case <-ctx.Done():
			os.Exit(1)
		case <-time.After(time.Duration(conf.Client.CoolDown)):
		}

		outputPath := filepath.Join(*outDir, fmt.Sprintf("%s_cloudlet_%s", app, stamp))

		appMeasure := startPower(ctx, log, conf.Client.PowerCommand, filepath.Join(*outDir, fmt.Sprintf("%s.%s.APP.%s", *rawCommand, app, stamp)))
		appStart := time.Now()
		runErr := runClient(ctx, log, entry.ClientCommand, outputPath)
		appTime = time.Since(appStart)
		appPower = appMeasure()

		if runErr != nil {
			log.Error().Err(runErr).Msg("Application client failed")

			os.Exit(common.ExitCode(runErr, 1))
		}

		if summary, err := summarizeLatency(outputPath); err != nil {
			log.Warn().Err(err).Msg("Could not summarize application latency")
		} else {
			latency = &summary
		}
	}

	report.AppendRow([]interface{}{
		fmt.Sprintf("%.3fs", vmTime.Seconds()),
		fmt.Sprintf("%.3fs", appTime.Seconds()),
		fmt.Sprintf("%.2fW", vmPower.Average),
		fmt.Sprintf("%.2fJ", vmPower.Average*vmTime.Seconds()),
		fmt.Sprintf("%.2fW", appPower.Average),
		fmt.Sprintf("%.2fJ", appPower.Average*appTime.Seconds()),
	})

	fmt.Printf("\n### Results ###\n\n")
	report.Print()

	if latency != nil {
		tab := gotable.NewTable([]string{"Requests", "1%", "50%", "99%", "Jitter", "Total"},
			[]int64{10, 10, 10, 10, 10, 10}, "No data in table.")

		tab.AppendRow([]interface{}{
			latency.Count,
			fmt.Sprintf("%f", latency.P1),
			fmt.Sprintf("%f", latency.P50),
			fmt.Sprintf("%f", latency.P99),
			fmt.Sprintf("%f", latency.Jitter),
			fmt.Sprintf("%f", latency.Total),
		})

		fmt.Println()
		tab.Print()
	}
}
