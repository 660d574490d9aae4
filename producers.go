package dataroute

import (
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/token"
)

// DefaultProducers is the producer table of the stock firmware.
func DefaultProducers() compiler.Producers {
	s16 := token.Token{Length: 2, Signed: true}
	return compiler.Producers{
		"switch":        {Module: command.ModSwitch, Register: 0x01, Token: token.Token{Length: 1}},
		"temperature":   {Module: command.ModTemperature, Register: 0x01, HasIndex: true, Index: 0, Token: s16},
		"accelerometer": {Module: command.ModAccelerometer, Register: 0x04, Token: s16, Channels: 3},
		"gpio-adc":      {Module: command.ModGPIO, Register: 0x07, HasIndex: true, Index: 0, Token: token.Token{Length: 2}},
		"gpio-abs":      {Module: command.ModGPIO, Register: 0x06, HasIndex: true, Index: 0, Token: token.Token{Length: 2}},
		"pressure":      {Module: command.ModBarometer, Register: 0x01, Token: token.Token{Length: 4, Signed: true}},
		"altitude":      {Module: command.ModBarometer, Register: 0x02, Token: token.Token{Length: 4, Signed: true}},
		"gyro":          {Module: command.ModGyro, Register: 0x05, Token: s16, Channels: 3},
		"illuminance":   {Module: command.ModAmbientLight, Register: 0x03, Token: token.Token{Length: 4}},
		"magnetometer":  {Module: command.ModMagnetometer, Register: 0x05, Token: s16, Channels: 3},
		"humidity":      {Module: command.ModHumidity, Register: 0x01, Token: token.Token{Length: 4}},
	}
}
