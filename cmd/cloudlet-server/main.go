package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/config"
	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valkey-io/valkey-go"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults are used if empty)")
	listen := flag.String("listen", "", "Address to listen on for synthesis requests (overrides the configuration)")
	metricsListen := flag.String("metrics-listen", "", "Address to serve Prometheus metrics on (overrides the configuration)")
	verbose := flag.Bool("verbose", false, "Whether to enable debug logging")

	flag.Parse()

	log := logging.New(logging.Zerolog, "cloudlet-server", os.Stderr)
	if *verbose {
		log.SetLevel(types.DebugLevel)
	} else {
		log.SetLevel(types.InfoLevel)
	}

	conf := config.Default()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("Could not load configuration")

			os.Exit(2)
		}
	}

	if *listen != "" {
		conf.Server.Listen = *listen
	}

	if *metricsListen != "" {
		conf.Server.MetricsListen = *metricsListen
	}

	serverConf, err := conf.Server.Synthesis()
	if err != nil {
		log.Error().Err(err).Msg("Could not load server configuration")

		os.Exit(2)
	}

	deltaCodec, err := conf.Codec.Codec(log)
	if err != nil {
		log.Error().Err(err).Msg("Could not create delta codec")

		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var synthesisMetrics *common.SynthesisMetrics
	if conf.Server.MetricsListen != "" {
		reg := prometheus.NewRegistry()

		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		synthesisMetrics = common.NewSynthesisMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go func() {
			if err := http.ListenAndServe(conf.Server.MetricsListen, mux); err != nil {
				log.Error().Err(err).Str("addr", conf.Server.MetricsListen).Msg("Metrics server stopped")
			}
		}()
	}

	var registry synthesis.BaseRegistry
	if conf.Server.Valkey != nil {
		client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{conf.Server.Valkey.Address}})
		if err != nil {
			log.Error().Err(err).Str("addr", conf.Server.Valkey.Address).Msg("Could not connect to valkey")

			os.Exit(1)
		}
		defer client.Close()

		valkeyRegistry := synthesis.NewValkeyRegistry(client, conf.Server.Valkey.Prefix)
		for _, base := range conf.Server.StaticBases() {
			if err := valkeyRegistry.Publish(ctx, base); err != nil {
				log.Error().Err(err).Str("base", base.Name).Msg("Could not publish base")

				os.Exit(1)
			}
		}

		registry = valkeyRegistry
	} else {
		registry = synthesis.NewStaticRegistry(conf.Server.StaticBases()...)
	}

	hv := hypervisor.NewQEMU(log, conf.Hypervisor.QEMU())
	merger := overlay.NewMerger(log, deltaCodec, hv, conf.Hypervisor.MemorySize, synthesisMetrics)

	var resumes sync.WaitGroup
	hooks := synthesis.ServerHooks{}
	if conf.Server.Resume {
		hooks.OnSynthesized = func(sessionID string, req synthesis.Request, reconstructed snapshot.Snapshot) {
			resumes.Add(1)
			go func() {
				defer resumes.Done()

				log.Info().Str("session", sessionID).Str("overlay", req.OverlayName).Msg("Resuming reconstructed VM")

				if err := merger.Resume(ctx, reconstructed); err != nil {
					log.Error().Err(err).Str("session", sessionID).Msg("Reconstructed VM exited with an error")
				}
			}()
		}
	}

	server := synthesis.NewServer(log, registry, merger, serverConf, hooks, synthesisMetrics)

	lis, err := net.Listen("tcp", conf.Server.Listen)
	if err != nil {
		log.Error().Err(err).Str("addr", conf.Server.Listen).Msg("Could not listen")

		os.Exit(1)
	}

	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt)

		<-done

		log.Info().Msg("Exiting gracefully")

		cancel()
	}()

	log.Info().Str("addr", lis.Addr().String()).Str("work-dir", serverConf.WorkDir).Msg("Listening for synthesis requests")

	if err := server.Serve(ctx, lis); err != nil {
		log.Error().Err(err).Msg("Server stopped")

		os.Exit(1)
	}

	resumes.Wait()

	log.Info().Msg("Shutting down")
}
