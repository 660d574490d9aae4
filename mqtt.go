package dataroute

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const mqttTimeout = 5 * time.Second

// Topic is where samples of key in route are published.
func Topic(prefix, route, key string) string {
	return fmt.Sprintf("%s/%s/%s/data", prefix, route, key)
}

func await(tok mqtt.Token, what string) error {
	if !tok.WaitTimeout(mqttTimeout) {
		return errors.Errorf("%s timed out", what)
	}
	return errors.Wrap(tok.Error(), what)
}

// Sample is the JSON body of a published composite sample.
type Sample struct {
	Timestamp time.Time `json:"Timestamp"`
	Account   uint64    `json:"Account,omitempty"`
	Values    []float64 `json:"Values"`
}

// payload renders scalars as plain numbers, which is what most MQTT
// consumers parse, and composites as a Sample.
func payload(d dispatch.Data) ([]byte, error) {
	if f, ok := d.Value.Float64(); ok && d.AccountKind == token.AccountNone {
		return []byte(formatFloat(f)), nil
	}
	return json.Marshal(Sample{Timestamp: d.Timestamp, Account: d.Account, Values: d.Value.Scalars()})
}

// MQTTPublisher republishes route samples to a broker.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher connects to broker, e.g. tcp://localhost:1883.
func NewMQTTPublisher(broker, clientID, prefix string) (*MQTTPublisher, error) {
	logFields := log.Fields{"fnct": "NewMQTTPublisher", "broker": broker}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		log.WithFields(logFields).Infoln("connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithFields(logFields).Errorf("Connection lost: %v", err)
	}
	client := mqtt.NewClient(opts)
	if err := await(client.Connect(), "connecting to "+broker); err != nil {
		return nil, err
	}
	return &MQTTPublisher{client: client, prefix: prefix}, nil
}

// Publish sends one sample on the topic of its route and key.
func (p *MQTTPublisher) Publish(routeName string, d dispatch.Data) error {
	body, err := payload(d)
	if err != nil {
		return err
	}
	topic := Topic(p.prefix, routeName, d.Key)
	return await(p.client.Publish(topic, 0, false, body), "publishing "+topic)
}

// Handler returns a handler publishing every sample under routeName.
func (p *MQTTPublisher) Handler(routeName string) dispatch.Handler {
	return func(d dispatch.Data) {
		if err := p.Publish(routeName, d); err != nil {
			log.WithFields(log.Fields{"fnct": "Handler", "route": routeName, "key": d.Key}).Warnf("publish failed: %v", err)
		}
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// StartMQTTBroker runs an embedded broker on port.
func StartMQTTBroker(port int) (*mqttserver.Server, error) {
	log.Infof("start mqtt broker on port %d", port)
	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("mqtt-broker", fmt.Sprintf(":%d", port))
	if err := server.AddListener(tcp, nil); err != nil {
		return nil, errors.Wrap(err, "adding listener")
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.Errorf("mqtt broker stopped: %v", err)
		}
	}()
	return server, nil
}

// Recorder subscribes to published samples and stores the numeric ones in
// batches, the way a separate consumer of the broker would.
type Recorder struct {
	client   mqtt.Client
	sink     SampleSink
	interval time.Duration

	mu   sync.Mutex
	data []dispatch.Data
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder subscribes to every sample under prefix and flushes them to
// sink every interval.
func NewRecorder(broker, prefix string, sink SampleSink, interval time.Duration) (*Recorder, error) {
	r := &Recorder{sink: sink, interval: interval, done: make(chan struct{})}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("dataroute-recorder")
	opts.SetDefaultPublishHandler(r.handleMessage)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithFields(log.Fields{"fnct": "Recorder"}).Errorf("Connection lost: %v", err)
	}
	r.client = mqtt.NewClient(opts)
	if err := await(r.client.Connect(), "connecting to "+broker); err != nil {
		return nil, err
	}
	topic := prefix + "/+/+/data"
	if err := await(r.client.Subscribe(topic, 1, nil), "subscribing "+topic); err != nil {
		r.client.Disconnect(250)
		return nil, err
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *Recorder) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	d, err := parseSample(msg.Topic(), msg.Payload(), time.Now())
	if err != nil {
		log.WithFields(log.Fields{"fnct": "handleMessage"}).Warn(err)
		return
	}
	r.mu.Lock()
	r.data = append(r.data, d)
	r.mu.Unlock()
}

func parseScalar(s string) (dispatch.Value, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return dispatch.Value{Kind: dispatch.Int, Int: n}, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return dispatch.Value{}, err
	}
	return dispatch.Value{Kind: dispatch.Uint, Uint: n}, nil
}

// parseSample turns a scalar message on <prefix>/<route>/<key>/data back
// into a sample received at.
func parseSample(topic string, body []byte, at time.Time) (dispatch.Data, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-1] != "data" {
		return dispatch.Data{}, errors.Errorf("not a sample topic: %s", topic)
	}
	v, err := parseScalar(string(body))
	if err != nil {
		return dispatch.Data{}, errors.Errorf("not a valid number on %s: %q", topic, body)
	}
	return dispatch.Data{
		Route:     parts[len(parts)-3],
		Key:       parts[len(parts)-2],
		Timestamp: at,
		Value:     v,
	}, nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Flush()
		case <-r.done:
			r.Flush()
			return
		}
	}
}

// Flush stores what was received since the last flush.
func (r *Recorder) Flush() {
	r.mu.Lock()
	data := r.data
	r.data = nil
	r.mu.Unlock()
	if len(data) == 0 {
		return
	}
	if err := r.sink.Store(data); err != nil {
		log.WithFields(log.Fields{"fnct": "Flush"}).Errorf("Failed to store %d samples: %v", len(data), err)
	}
}

func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
	r.client.Disconnect(250)
}
