package exporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/thongth1998/libvirt-pollster/pkg/inspector"
	"github.com/thongth1998/libvirt-pollster/pkg/pollcache"
	"github.com/thongth1998/libvirt-pollster/pkg/pollster"
	"github.com/thongth1998/libvirt-pollster/pkg/sample"
)

const namespace = "libvirt_pollster"

var (
	libvirtUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "up"),
		"Whether connecting to libvirt was successful.",
		nil,
		nil)

	instancesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "instances"),
		"Number of instances polled in the last cycle.",
		nil,
		nil)

	sampleLabels = []string{"resource_id", "project_id", "user_id"}
)

// Options configures a PollsterExporter.
type Options struct {
	URI    string
	Driver libvirt.ConnectURI

	// Host and Nodename identify the compute host in the host meters.
	Host     string
	Nodename string
	// Region enables the region meters when its name is set.
	Region pollster.Region
	// Pollsters lists the meter name prefixes to poll. Empty polls all.
	Pollsters []string
	// MaxConcurrent bounds the pollsters running at once in a cycle.
	MaxConcurrent int
	// BaselineTTL is how long disk counters are kept to derive rates.
	BaselineTTL time.Duration

	Logger log.Logger
}

// connectFunc opens a libvirt connection and returns it with its closer.
type connectFunc func() (inspector.Conn, func(), error)

// PollsterExporter runs one poll cycle per scrape and exposes the samples as
// Prometheus metrics.
type PollsterExporter struct {
	opts      Options
	connect   connectFunc
	baselines *inspector.Baselines
	// instance pollsters keep their poll clocks across cycles
	pollsters []pollster.Pollster
	descs     map[string]*prometheus.Desc
	skipped   *prometheus.CounterVec
	logger    log.Logger
}

// New creates a PollsterExporter.
func New(opts Options) (*PollsterExporter, error) {
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent pollsters must be positive, got %d", opts.MaxConcurrent)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Nodename == "" {
		opts.Nodename = opts.Host
	}

	e := &PollsterExporter{
		opts:      opts,
		baselines: inspector.NewBaselines(opts.BaselineTTL),
		pollsters: instancePollsters(),
		descs:     make(map[string]*prometheus.Desc),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Instances or sources skipped by a pollster, by reason.",
		}, []string{"pollster", "reason"}),
		logger: opts.Logger,
	}
	e.connect = e.dial

	for _, p := range e.cyclePollsters(nil) {
		for _, m := range p.Meters() {
			e.descs[m.Name] = sampleDesc(m)
		}
	}
	return e, nil
}

func instancePollsters() []pollster.Pollster {
	var pollsters []pollster.Pollster
	pollsters = append(pollsters, pollster.DiskIOPollsters()...)
	pollsters = append(pollsters, pollster.DiskRatePollsters()...)
	pollsters = append(pollsters, pollster.DiskInfoPollsters()...)
	return append(pollsters, pollster.MemoryUsage(), pollster.MemoryResident())
}

// cyclePollsters returns the enabled pollsters of a cycle on conn. The host and
// region pollsters read through conn and are built per cycle.
func (e *PollsterExporter) cyclePollsters(conn inspector.Conn) []pollster.Pollster {
	pollsters := append([]pollster.Pollster{}, e.pollsters...)
	pollsters = append(pollsters, pollster.NewHost(inspector.NewLibvirtHost(conn, e.logger), e.opts.Host, e.opts.Nodename))
	if e.opts.Region.Name != "" {
		pollsters = append(pollsters, pollster.NewRegion(inspector.NewLibvirtNetworks(conn, e.logger), e.opts.Region))
	}
	return pollster.Filter(pollsters, e.opts.Pollsters)
}

// sampleDesc describes the metric samples of m are exposed as.
func sampleDesc(m sample.Meter) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", strings.ReplaceAll(m.Name, ".", "_")),
		fmt.Sprintf("%s in %s (%s).", m.Name, m.Unit, m.Type),
		sampleLabels,
		nil)
}

func (e *PollsterExporter) dial() (inspector.Conn, func(), error) {
	dialer := dialers.NewLocal(dialers.WithSocket(e.opts.URI), dialers.WithLocalTimeout((5 * time.Second)))
	l := libvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(e.opts.Driver); err != nil {
		return nil, nil, err
	}
	return l, func() {
		if err := l.Disconnect(); err != nil {
			_ = level.Error(e.logger).Log("err", "failed to disconnect", "msg", err)
		}
	}, nil
}

// Collect runs a poll cycle.
func (e *PollsterExporter) Collect(ch chan<- prometheus.Metric) {
	if err := e.collect(context.Background(), ch); err != nil {
		_ = level.Error(e.logger).Log("err", "failed to collect metrics", "msg", err)
	}
	e.skipped.Collect(ch)
}

func (e *PollsterExporter) collect(ctx context.Context, ch chan<- prometheus.Metric) error {
	conn, disconnect, err := e.connect()
	if err != nil {
		_ = level.Error(e.logger).Log("err", "failed to connect", "msg", err)
		ch <- prometheus.MustNewConstMetric(libvirtUpDesc, prometheus.GaugeValue, 0)
		return err
	}
	defer disconnect()

	ch <- prometheus.MustNewConstMetric(libvirtUpDesc, prometheus.GaugeValue, 1.0)

	instances, err := inspector.Discover(conn, e.logger)
	if err != nil {
		return fmt.Errorf("failed to retrieve instances from libvirt: %w", err)
	}
	ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(len(instances)))

	return e.runCycle(ctx, ch, conn, instances)
}

// runCycle runs every enabled pollster against one fresh cache.
func (e *PollsterExporter) runCycle(ctx context.Context, ch chan<- prometheus.Metric, conn inspector.Conn, instances []inspector.Instance) error {
	m := pollster.Manager{
		Inspector: inspector.NewLibvirt(conn, e.baselines, e.logger),
		Logger:    e.logger,
		Observer: func(name string, outcome pollster.Outcome) {
			e.skipped.WithLabelValues(name, outcome.String()).Inc()
		},
	}
	cache := pollcache.New()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)
	for _, p := range e.cyclePollsters(conn) {
		g.Go(func() error {
			for s := range p.GetSamples(ctx, m, cache, instances) {
				metric, err := e.sampleMetric(s)
				if err != nil {
					_ = level.Warn(e.logger).Log("warn", "failed to convert sample", "pollster", p.Name(), "resource_id", s.ResourceID, "msg", err)
					continue
				}
				ch <- metric
			}
			return nil
		})
	}
	err := g.Wait()
	_ = level.Debug(e.logger).Log("debug", "poll cycle finished", "instances", len(instances), "aggregates", cache.Len())
	return err
}

func (e *PollsterExporter) sampleMetric(s sample.Sample) (prometheus.Metric, error) {
	desc, ok := e.descs[s.Name]
	if !ok {
		return nil, fmt.Errorf("unknown meter %s", s.Name)
	}
	valueType := prometheus.GaugeValue
	if s.Type == sample.Cumulative {
		valueType = prometheus.CounterValue
	}
	return prometheus.NewConstMetric(desc, valueType, s.Volume, s.ResourceID, s.ProjectID, s.UserID)
}

// Describe returns metric descriptions for Prometheus.
func (e *PollsterExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- libvirtUpDesc
	ch <- instancesDesc
	for _, desc := range e.descs {
		ch <- desc
	}
	e.skipped.Describe(ch)
}
