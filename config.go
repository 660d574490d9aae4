package dataroute

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pat-rohn/timeseries"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Port               int
	MQTTPort           int
	MQTTBroker         string
	TopicPrefix        string
	Device             DeviceConfig
	Limits             compiler.Limits
	Dispatch           DispatchConfig
	Queue              QueueConfig
	Log                LogConfig
	RouteDB            string
	TimeseriesDBConfig timeseries.DBConfig
	Producers          map[string]ProducerConfig
}

// ProducerConfig overrides or adds an entry of the producer table.
// Index -1 means the register has no index.
type ProducerConfig struct {
	Module   int
	Register int
	Index    int
	Length   int
	Signed   bool
	Channels int
}

func (p ProducerConfig) producer() (compiler.Producer, error) {
	tok := token.Token{Length: p.Length, Signed: p.Signed}
	if err := tok.Validate(); err != nil {
		return compiler.Producer{}, err
	}
	if p.Module <= 0 || p.Module > 0xff || p.Register < 0 || p.Register > 0x7f {
		return compiler.Producer{}, errors.Wrapf(routeerr.ErrInvalidConfig, "module 0x%x register 0x%x", p.Module, p.Register)
	}
	out := compiler.Producer{
		Module:   command.Module(p.Module),
		Register: byte(p.Register),
		Token:    tok,
		Channels: p.Channels,
	}
	if p.Index >= 0 {
		if p.Index >= int(command.NoIndex) {
			return compiler.Producer{}, errors.Wrapf(routeerr.ErrInvalidConfig, "index %d", p.Index)
		}
		out.HasIndex = true
		out.Index = byte(p.Index)
	}
	return out, nil
}

// DefaultConfig is the configuration written on first start.
func DefaultConfig() Config {
	dir := "./"
	return Config{
		Port:        HTTPPort,
		MQTTPort:    MQTTPort,
		MQTTBroker:  fmt.Sprintf("tcp://localhost:%d", MQTTPort),
		TopicPrefix: "dataroute",
		Device: DeviceConfig{
			ServiceUUID: "326a9000-85cb-9195-d9dd-464cfbbae75a",
			CommandUUID: "326a9001-85cb-9195-d9dd-464cfbbae75a",
			NotifyUUID:  "326a9006-85cb-9195-d9dd-464cfbbae75a",
			ScanTimeout: 10 * time.Second,
		},
		Limits: defaultLimits,
		Dispatch: DispatchConfig{
			Workers:           4,
			QueueLen:          64,
			PendingEntries:    64,
			ReassemblyTimeout: 2 * time.Second,
		},
		Queue: QueueConfig{
			Depth:          32,
			CommandTimeout: time.Second,
		},
		Log: LogConfig{
			TickPeriod:  defaultTickPeriod,
			IdleTimeout: 5 * time.Second,
		},
		RouteDB: filepath.Join(dir, "routes.db"),
		TimeseriesDBConfig: timeseries.DBConfig{
			Name:        "timeseries.db",
			IPOrPath:    dir,
			UsePostgres: false,
			User:        "user",
			Password:    "password",
			Port:        5432,
			TableName:   "measurements",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("Port", d.Port)
	v.SetDefault("MQTTPort", d.MQTTPort)
	v.SetDefault("MQTTBroker", d.MQTTBroker)
	v.SetDefault("TopicPrefix", d.TopicPrefix)

	v.SetDefault("Device.Address", d.Device.Address)
	v.SetDefault("Device.ServiceUUID", d.Device.ServiceUUID)
	v.SetDefault("Device.CommandUUID", d.Device.CommandUUID)
	v.SetDefault("Device.NotifyUUID", d.Device.NotifyUUID)
	v.SetDefault("Device.ScanTimeout", d.Device.ScanTimeout)

	v.SetDefault("Limits.MaxProcessors", d.Limits.MaxProcessors)
	v.SetDefault("Limits.MaxLoggers", d.Limits.MaxLoggers)
	v.SetDefault("Limits.MaxEvents", d.Limits.MaxEvents)
	v.SetDefault("Limits.MaxPacketLen", d.Limits.MaxPacketLen)

	v.SetDefault("Dispatch.Workers", d.Dispatch.Workers)
	v.SetDefault("Dispatch.QueueLen", d.Dispatch.QueueLen)
	v.SetDefault("Dispatch.PendingEntries", d.Dispatch.PendingEntries)
	v.SetDefault("Dispatch.ReassemblyTimeout", d.Dispatch.ReassemblyTimeout)

	v.SetDefault("Queue.Depth", d.Queue.Depth)
	v.SetDefault("Queue.CommandTimeout", d.Queue.CommandTimeout)

	v.SetDefault("Log.TickPeriod", d.Log.TickPeriod)
	v.SetDefault("Log.IdleTimeout", d.Log.IdleTimeout)

	v.SetDefault("RouteDB", d.RouteDB)

	v.SetDefault("TimeseriesDBConfig.Name", d.TimeseriesDBConfig.Name)
	v.SetDefault("TimeseriesDBConfig.IPOrPath", d.TimeseriesDBConfig.IPOrPath)
	v.SetDefault("TimeseriesDBConfig.UsePostgres", d.TimeseriesDBConfig.UsePostgres)
	v.SetDefault("TimeseriesDBConfig.User", d.TimeseriesDBConfig.User)
	v.SetDefault("TimeseriesDBConfig.Password", d.TimeseriesDBConfig.Password)
	v.SetDefault("TimeseriesDBConfig.Port", d.TimeseriesDBConfig.Port)
	v.SetDefault("TimeseriesDBConfig.TableName", d.TimeseriesDBConfig.TableName)
}

// GetConfig reads dataroute.json from ~/.dataroute or the working
// directory. A missing file is created with the defaults.
func GetConfig() Config {
	logFields := log.Fields{"fnct": "GetConfig"}
	setDefaults(viper.GetViper())

	viper.SetConfigName(configName)
	viper.SetConfigType("json")
	dirname, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	pathToConfig := filepath.Join(dirname, configDirName)
	viper.AddConfigPath(pathToConfig)
	viper.AddConfigPath(".")
	log.WithFields(logFields).Infoln("Read Config")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.WithFields(logFields).Warnf("no config file found: %v", err)
			if err := os.MkdirAll(pathToConfig, 0755); err != nil {
				log.Fatalf("Creating config folder failed: %v", err)
			}
			if err := viper.SafeWriteConfig(); err != nil {
				log.Fatalf("Storing default config failed: %v", err)
			}
		} else {
			log.Fatalf("Loading config failed: %v", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("fatal error config file: %v ", err)
	}
	log.WithFields(logFields).Tracef("Config %+v", cfg)
	return cfg
}

// ReadConfig reads the configuration from path, falling back to the
// defaults for every key the file leaves out.
func ReadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decoding %s", path)
	}
	return cfg, nil
}

// ProducerTable merges the configured producers into the defaults.
func (c Config) ProducerTable() (compiler.Producers, error) {
	out := DefaultProducers()
	for name, pc := range c.Producers {
		p, err := pc.producer()
		if err != nil {
			return nil, errors.WithMessagef(err, "producer %q", name)
		}
		out[name] = p
	}
	return out, nil
}
