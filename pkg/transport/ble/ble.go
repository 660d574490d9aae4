// Package ble connects to the device over Bluetooth LE GATT: commands are
// written to one characteristic, notifications arrive on another.
package ble

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// Config selects the device and its characteristics.
type Config struct {
	Address     string
	ServiceUUID string
	CommandUUID string
	NotifyUUID  string
	ScanTimeout time.Duration
	// MaxPacketLen is the notification payload ceiling, ATT MTU minus the
	// protocol overhead.
	MaxPacketLen int
}

// Transport is a connected GATT link.
type Transport struct {
	device   bluetooth.Device
	command  bluetooth.DeviceCharacteristic
	notify   bluetooth.DeviceCharacteristic
	maxLen   int
	mu       sync.RWMutex
	listener func([]byte)
}

var _ transport.Transport = (*Transport)(nil)

// Connect scans for cfg.Address, connects and subscribes to notifications.
func Connect(ctx context.Context, cfg Config) (*Transport, error) {
	logFields := log.Fields{"fnct": "Connect", "address": cfg.Address}
	svcUUID, err := bluetooth.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "service uuid")
	}
	cmdUUID, err := bluetooth.ParseUUID(cfg.CommandUUID)
	if err != nil {
		return nil, errors.Wrap(err, "command uuid")
	}
	notifyUUID, err := bluetooth.ParseUUID(cfg.NotifyUUID)
	if err != nil {
		return nil, errors.Wrap(err, "notify uuid")
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable adapter")
	}
	addr, err := scan(ctx, adapter, cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(logFields).Info("found device, connecting")
	dev, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	t := &Transport{device: dev, maxLen: cfg.MaxPacketLen}
	if err := t.discover(svcUUID, cmdUUID, notifyUUID); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	if err := t.notify.EnableNotifications(t.onFrame); err != nil {
		_ = dev.Disconnect()
		return nil, errors.Wrap(err, "enable notifications")
	}
	log.WithFields(logFields).Info("connected")
	return t, nil
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, cfg Config) (bluetooth.Address, error) {
	timeout := cfg.ScanTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = adapter.StopScan()
	}()

	var found bluetooth.Address
	ok := false
	err := adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if strings.EqualFold(r.Address.String(), cfg.Address) {
			found = r.Address
			ok = true
			_ = a.StopScan()
		}
	})
	if err != nil {
		return found, errors.Wrap(err, "scan")
	}
	if !ok {
		return found, errors.Errorf("device %s not found within %s", cfg.Address, timeout)
	}
	return found, nil
}

func (t *Transport) discover(svc, cmd, notify bluetooth.UUID) error {
	services, err := t.device.DiscoverServices([]bluetooth.UUID{svc})
	if err != nil {
		return errors.Wrapf(err, "discover service %s", svc)
	}
	if len(services) == 0 {
		return errors.Errorf("service %s not found", svc)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{cmd, notify})
	if err != nil {
		return errors.Wrap(err, "discover characteristics")
	}
	var haveCmd, haveNotify bool
	for _, c := range chars {
		switch c.UUID() {
		case cmd:
			t.command, haveCmd = c, true
		case notify:
			t.notify, haveNotify = c, true
		}
	}
	if !haveCmd || !haveNotify {
		return errors.Errorf("characteristics missing: command %t notify %t", haveCmd, haveNotify)
	}
	return nil
}

func (t *Transport) onFrame(buf []byte) {
	frame := append([]byte(nil), buf...)
	t.mu.RLock()
	l := t.listener
	t.mu.RUnlock()
	if l != nil {
		l(frame)
	}
}

// Write sends frame with write-with-response.
func (t *Transport) Write(ctx context.Context, frame []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.command.Write(frame)
		done <- err
	}()
	select {
	case err := <-done:
		return errors.Wrap(err, "gatt write")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) OnNotify(listener func([]byte)) {
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
}

func (t *Transport) MaxPacketLen() int { return t.maxLen }

func (t *Transport) Close() error {
	return t.device.Disconnect()
}
