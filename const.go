package dataroute

import (
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
)

const (
	HTTPPort        int    = 3005
	MQTTPort        int    = 1883
	URIRoutes       string = "/routes"
	URIRoute        string = "/routes/:id"
	URISubscribe    string = "/routes/:id/subscribe/:key"
	URILogsDownload string = "/logs/download"
	URIMetrics      string = "/metrics"
)

const (
	configName    = "dataroute"
	configDirName = ".dataroute"
)

// Output is the envelope of every HTTP answer.
type Output struct {
	Status string      `json:"Status"`
	Answer interface{} `json:"Answer"`
}

// RouteInfo describes a committed route over the HTTP API.
type RouteInfo struct {
	ID       string   `json:"ID"`
	Name     string   `json:"Name"`
	State    string   `json:"State"`
	Keys     []string `json:"Keys"`
	Commands int      `json:"Commands"`
}

// DownloadReq selects what happens to the device log after a readout.
type DownloadReq struct {
	Erase   bool `json:"Erase"`
	Persist bool `json:"Persist"`
}

// DownloadAnswer summarizes a log download.
type DownloadAnswer struct {
	Samples int            `json:"Samples"`
	PerKey  map[string]int `json:"PerKey"`
	From    time.Time      `json:"From"`
	To      time.Time      `json:"To"`
}

type DeviceConfig struct {
	Address     string
	ServiceUUID string
	CommandUUID string
	NotifyUUID  string
	ScanTimeout time.Duration
}

type DispatchConfig struct {
	Workers           int
	QueueLen          int
	PendingEntries    int
	ReassemblyTimeout time.Duration
}

type QueueConfig struct {
	Depth          int
	CommandTimeout time.Duration
}

type LogConfig struct {
	TickPeriod time.Duration
	// IdleTimeout bounds the wait for the next readout frame.
	IdleTimeout time.Duration
}

var defaultLimits = compiler.DefaultLimits

const defaultTickPeriod = dispatch.DefaultTickPeriod
