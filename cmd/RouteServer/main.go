package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	dataroute "github.com/pat-rohn/go-dataroute"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routefile"
	"github.com/pat-rohn/go-dataroute/pkg/transport/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	loglevel   string
	logfile    string
	configPath string
)

func initGlobalFlags() {
	levels := map[string]log.Level{
		"t": log.TraceLevel,
		"d": log.DebugLevel,
		"i": log.InfoLevel,
		"w": log.WarnLevel,
		"e": log.ErrorLevel,
	}
	level, ok := levels[loglevel]
	if !ok {
		level = log.WarnLevel
	}
	log.SetLevel(level)
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("opening log file failed: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

func config() (dataroute.Config, error) {
	if configPath != "" {
		return dataroute.ReadConfig(configPath)
	}
	return dataroute.GetConfig(), nil
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "RouteServer",
		Short: "RouteServer installs data routes on a BLE sensor board",
	}

	var compileCmd = &cobra.Command{
		Use:   "compile <route file>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the commands and subscriptions of a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compileRoute(args[0])
		},
	}

	var count int
	var simulateCmd = &cobra.Command{
		Use:   "simulate <route file>",
		Args:  cobra.ExactArgs(1),
		Short: "Commit a route to a simulated board and print what arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(args[0], count)
		},
	}
	simulateCmd.Flags().IntVarP(&count, "count", "n", 10, "notifications per stream key")

	var broker bool
	var record bool
	var serveCmd = &cobra.Command{
		Use:   "serve [route files]",
		Args:  cobra.ArbitraryArgs,
		Short: "Connect to the board, commit routes and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(args, broker, record)
		},
	}
	serveCmd.Flags().BoolVarP(&broker, "broker", "b", false, "run the embedded MQTT broker")
	serveCmd.Flags().BoolVarP(&record, "record", "r", false, "store published samples in the timeseries database")

	rootCmd.PersistentFlags().StringVarP(&loglevel, "verbose", "v", "w", "verbosity (t, d, i, w, e)")
	rootCmd.PersistentFlags().StringVar(&logfile, "logfile", "", "also log to this file")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file, default ~/.dataroute/dataroute.json")

	rootCmd.AddCommand(compileCmd, simulateCmd, serveCmd)
	cobra.OnInitialize(initGlobalFlags)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadPlan(path string) (string, *route.Plan, error) {
	f, err := routefile.Load(path)
	if err != nil {
		return "", nil, err
	}
	p, err := f.Plan()
	if err != nil {
		return "", nil, err
	}
	return f.Name, p, nil
}

func compileRoute(path string) error {
	cfg := dataroute.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = dataroute.ReadConfig(configPath); err != nil {
			return err
		}
	}
	producers, err := cfg.ProducerTable()
	if err != nil {
		return err
	}
	_, p, err := loadPlan(path)
	if err != nil {
		return err
	}
	c := compiler.New(producers, compiler.NewAllocator(cfg.Limits), cfg.Limits)
	out, err := c.Compile(p)
	if err != nil {
		return err
	}
	fmt.Print(out.String())
	return nil
}

func simulate(path string, count int) error {
	name, p, err := loadPlan(path)
	if err != nil {
		return err
	}
	sim := dataroute.NewSimDevice(compiler.DefaultLimits.MaxPacketLen)
	session, err := dataroute.NewSession(context.Background(), sim, dataroute.DefaultConfig())
	if err != nil {
		return err
	}
	defer session.Close()

	printer := func(d dispatch.Data) {
		fmt.Printf("%s %-12s %-6s %s\n", d.Timestamp.Format("15:04:05.000"), d.Key, d.Channel, d.Value)
	}
	var opts []dataroute.CommitOption
	opts = append(opts, dataroute.WithName(name))
	for _, n := range p.Endpoints() {
		if n.Op == route.OpStream || n.Op == route.OpLog {
			opts = append(opts, dataroute.WithHandler(n.Key, printer))
		}
	}
	m, err := session.Commit(context.Background(), p, opts...)
	if err != nil {
		return err
	}
	for i, w := range sim.Writes() {
		fmt.Printf("%3d % x\n", i, w)
	}

	var streams []compiler.Subscription
	for _, k := range m.Compiled().Keys() {
		if sub := m.Compiled().Subscriptions[k]; sub.Channel == compiler.Stream {
			streams = append(streams, sub)
		}
	}
	for i := 0; i < count; i++ {
		for _, sub := range streams {
			payload := make([]byte, sub.ExpectedLength)
			rand.Read(payload)
			sim.Emit(sub.Header, payload)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return m.Remove(context.Background())
}

func serve(files []string, broker, record bool) error {
	logFields := log.Fields{"fnct": "serve"}
	cfg, err := config()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if broker {
		server, err := dataroute.StartMQTTBroker(cfg.MQTTPort)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	store, err := dataroute.OpenRouteStore(cfg.RouteDB)
	if err != nil {
		return err
	}
	defer store.Close()

	var session *dataroute.Session
	names := func(id string) string {
		if m, ok := session.Route(id); ok && m.Name() != "" {
			return m.Name()
		}
		return id
	}
	sink, err := dataroute.NewTimeseriesSink(cfg.TimeseriesDBConfig, names)
	if err != nil {
		return err
	}
	defer sink.Close()

	link, err := ble.Connect(ctx, ble.Config{
		Address:      cfg.Device.Address,
		ServiceUUID:  cfg.Device.ServiceUUID,
		CommandUUID:  cfg.Device.CommandUUID,
		NotifyUUID:   cfg.Device.NotifyUUID,
		ScanTimeout:  cfg.Device.ScanTimeout,
		MaxPacketLen: cfg.Limits.MaxPacketLen,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	session, err = dataroute.NewSession(ctx, link, cfg,
		dataroute.WithRouteStore(store),
		dataroute.WithSampleSink(sink),
		dataroute.WithRegisterer(reg))
	if err != nil {
		link.Close()
		return err
	}
	defer session.Close()
	if n, err := session.RemoveOrphans(ctx); err != nil {
		log.WithFields(logFields).Warnf("removing %d orphaned routes: %v", n, err)
	} else if n > 0 {
		log.WithFields(logFields).Infof("removed %d orphaned routes", n)
	}

	var publisher *dataroute.MQTTPublisher
	if broker || cfg.MQTTBroker != "" {
		publisher, err = dataroute.NewMQTTPublisher(cfg.MQTTBroker, "dataroute-"+uuid.NewString(), cfg.TopicPrefix)
		if err != nil {
			log.WithFields(logFields).Warnf("publishing disabled: %v", err)
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}
	if record && publisher != nil {
		rec, err := dataroute.NewRecorder(cfg.MQTTBroker, cfg.TopicPrefix, sink, 10*time.Second)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	for _, path := range files {
		name, p, err := loadPlan(path)
		if err != nil {
			return err
		}
		opts := []dataroute.CommitOption{dataroute.WithName(name)}
		if publisher != nil {
			h := publisher.Handler(name)
			for _, n := range p.Endpoints() {
				if n.Op == route.OpStream || n.Op == route.OpLog {
					opts = append(opts, dataroute.WithHandler(n.Key, h))
				}
			}
		}
		m, err := session.Commit(ctx, p, opts...)
		if err != nil {
			return err
		}
		log.WithFields(logFields).Infof("committed %s as %s", path, m.ID())
	}

	api := dataroute.NewServer(cfg.Port, session, publisher, reg)
	errc := make(chan error, 1)
	go func() { errc <- api.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(shutdown)
}
