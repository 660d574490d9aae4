package dataroute

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/timeseries"
	log "github.com/sirupsen/logrus"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// TimeseriesSink writes samples into a timeseries database, one series per
// route key.
type TimeseriesSink struct {
	db   *timeseries.DbHandler
	conf timeseries.DBConfig
	// names maps route ids to the names used in tags
	names func(route string) string
	mu    sync.Mutex
}

// NewTimeseriesSink opens the database and creates the timeseries table.
// names turns a route id into the prefix of its tags; nil keeps the id.
func NewTimeseriesSink(config timeseries.DBConfig, names func(route string) string) (*TimeseriesSink, error) {
	logger := log.WithFields(log.Fields{"fnct": "NewTimeseriesSink", "name": config.Name})
	logger.Infoln("init")
	db := timeseries.DBHandler(config)
	if err := db.CreateTimeseriesTable(); err != nil {
		logger.Errorf("failed to create table: %v", err)
		return nil, err
	}
	return &TimeseriesSink{db: db, conf: config, names: names}, nil
}

// Store inserts samples grouped by tag.
func (t *TimeseriesSink) Store(samples []dispatch.Data) error {
	logger := log.WithFields(log.Fields{"fnct": "Store", "samples": len(samples)})
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range toTimeseries(samples, t.names) {
		logger.Tracef("insert %d entries for %s", len(ts.Values), ts.Tag)
		if err := t.db.InsertTimeseries(ts, true); err != nil {
			logger.Errorf("Failed to insert values into database: %v", err)
			return err
		}
	}
	return nil
}

func (t *TimeseriesSink) Close() {
	t.db.Close()
}

// toTimeseries groups samples by "<route>/<key>" keeping their order.
func toTimeseries(samples []dispatch.Data, names func(string) string) []timeseries.TimeseriesImportStruct {
	var out []timeseries.TimeseriesImportStruct
	index := map[string]int{}
	for _, d := range samples {
		prefix := d.Route
		if names != nil {
			prefix = names(d.Route)
		}
		tag := prefix + "/" + d.Key
		i, ok := index[tag]
		if !ok {
			i = len(out)
			index[tag] = i
			out = append(out, timeseries.TimeseriesImportStruct{Tag: tag})
		}
		ts := &out[i]
		ts.Timestamps = append(ts.Timestamps, d.Timestamp.UTC().Format(timestampLayout))
		ts.Values = append(ts.Values, formatValue(d.Value))
		ts.Comments = append(ts.Comments, d.Channel.String())
	}
	return out
}

// formatValue renders scalars as numbers and composites as their scalars
// joined by ';'.
func formatValue(v dispatch.Value) string {
	if f, ok := v.Float64(); ok {
		return formatFloat(f)
	}
	parts := v.Scalars()
	strs := make([]string, len(parts))
	for i, f := range parts {
		strs[i] = formatFloat(f)
	}
	return strings.Join(strs, ";")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
