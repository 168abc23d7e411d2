package main

import (
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/digitalocean/go-libvirt"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/thongth1998/libvirt-pollster/pkg/config"
	"github.com/thongth1998/libvirt-pollster/pkg/exporter"
)

const exporterName = "libvirt_pollster"

func main() {
	var (
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
		libvirtURI    = kingpin.Flag("libvirt.uri", "Libvirt socket to connect to.").Default("/var/run/libvirt/libvirt-sock-ro").String()
		driver        = kingpin.Flag("libvirt.driver", "Libvirt driver URI.").Default(string(libvirt.QEMUSystem)).String()
		configFile    = kingpin.Flag("config.file", "Optional YAML configuration file.").Default("").String()
		maxConcurrent = kingpin.Flag("collect.max-concurrent", "Maximum number of pollsters running at once per scrape.").Default("4").Int()
		baselineTTL   = kingpin.Flag("inspector.baseline-ttl", "How long disk counters are kept to derive disk rates.").Default("10m").Duration()
		toolkitFlags  = webflag.AddFlags(kingpin.CommandLine, ":9177")
	)

	promlogConfig := &promlog.Config{}
	promlogflag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print(exporterName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := promlog.New(promlogConfig)
	_ = level.Info(logger).Log("msg", "Starting "+exporterName, "version", version.Info())
	_ = level.Info(logger).Log("msg", "Build context", "build_context", version.BuildContext())

	cfg, err := config.Load(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("err", "failed to load configuration", "msg", err)
		os.Exit(1)
	}
	if cfg.ConfigPath != "" {
		_ = level.Info(logger).Log("msg", "Loaded configuration", "file", cfg.ConfigPath)
	}

	e, err := exporter.New(exporter.Options{
		URI:           *libvirtURI,
		Driver:        libvirt.ConnectURI(*driver),
		Host:          cfg.Host,
		Nodename:      cfg.Nodename,
		Region:        cfg.Region.Pollster(),
		Pollsters:     cfg.Pollsters,
		MaxConcurrent: *maxConcurrent,
		BaselineTTL:   *baselineTTL,
		Logger:        logger,
	})
	if err != nil {
		_ = level.Error(logger).Log("err", "failed to create exporter", "msg", err)
		os.Exit(1)
	}
	prometheus.MustRegister(e)
	prometheus.MustRegister(versioncollector.NewCollector(exporterName))

	http.Handle(*metricsPath, promhttp.Handler())
	if *metricsPath != "/" && *metricsPath != "" {
		landingPage, err := web.NewLandingPage(web.LandingConfig{
			Name:        "Libvirt Pollster",
			Description: "Ceilometer-style libvirt pollsters exposed as Prometheus metrics",
			Version:     version.Info(),
			Links: []web.LandingLinks{
				{
					Address: *metricsPath,
					Text:    "Metrics",
				},
			},
		})
		if err != nil {
			_ = level.Error(logger).Log("err", err)
			os.Exit(1)
		}
		http.Handle("/", landingPage)
	}

	srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	if err := web.ListenAndServe(srv, toolkitFlags, logger); err != nil {
		_ = level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}
