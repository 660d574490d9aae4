// Package command encodes the short register commands the device firmware
// accepts and parses the headers of the notifications it pushes back.
package command

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// Module identifies a firmware module.
type Module byte

const (
	ModSwitch        Module = 0x01
	ModLED           Module = 0x02
	ModAccelerometer Module = 0x03
	ModTemperature   Module = 0x04
	ModGPIO          Module = 0x05
	ModDataProcessor Module = 0x09
	ModEvent         Module = 0x0a
	ModLogging       Module = 0x0b
	ModTimer         Module = 0x0c
	ModSettings      Module = 0x11
	ModBarometer     Module = 0x12
	ModGyro          Module = 0x13
	ModAmbientLight  Module = 0x14
	ModMagnetometer  Module = 0x15
	ModHumidity      Module = 0x16
)

// ReadFlag is or-ed into the register byte of read commands.
const ReadFlag byte = 0x80

// NoIndex is written into data source descriptors of registers without an index.
const NoIndex byte = 0xff

// Data processor registers.
const (
	ProcAdd          byte = 0x02
	ProcNotify       byte = 0x03
	ProcState        byte = 0x04
	ProcParameter    byte = 0x05
	ProcRemove       byte = 0x06
	ProcNotifyEnable byte = 0x07
)

// Event registers.
const (
	EventEntry  byte = 0x02
	EventRemove byte = 0x04
)

// Logging registers.
const (
	LogEnable          byte = 0x01
	LogTrigger         byte = 0x02
	LogRemove          byte = 0x03
	LogTime            byte = 0x04
	LogLength          byte = 0x05
	LogReadout         byte = 0x06
	LogReadoutNotify   byte = 0x07
	LogReadoutProgress byte = 0x08
	LogErase           byte = 0x09
)

var moduleNames = map[Module]string{
	ModSwitch:        "switch",
	ModLED:           "led",
	ModAccelerometer: "accelerometer",
	ModTemperature:   "temperature",
	ModGPIO:          "gpio",
	ModDataProcessor: "dataprocessor",
	ModEvent:         "event",
	ModLogging:       "logging",
	ModTimer:         "timer",
	ModSettings:      "settings",
	ModBarometer:     "barometer",
	ModGyro:          "gyro",
	ModAmbientLight:  "ambientlight",
	ModMagnetometer:  "magnetometer",
	ModHumidity:      "humidity",
}

func (m Module) String() string {
	if n, ok := moduleNames[m]; ok {
		return n
	}
	return fmt.Sprintf("module(0x%02x)", byte(m))
}

// Command is one register write or read.
type Command struct {
	Module   Module
	Register byte
	Read     bool
	HasIndex bool
	Index    byte
	Payload  []byte
}

// Write builds a write command without index.
func Write(m Module, register byte, payload ...byte) Command {
	return Command{Module: m, Register: register, Payload: payload}
}

// WriteAt builds a write command addressed to index.
func WriteAt(m Module, register, index byte, payload ...byte) Command {
	return Command{Module: m, Register: register, HasIndex: true, Index: index, Payload: payload}
}

// ReadOf builds a read command.
func ReadOf(m Module, register byte, payload ...byte) Command {
	return Command{Module: m, Register: register, Read: true, Payload: payload}
}

// Bytes returns the wire form.
func (c Command) Bytes() []byte {
	out := make([]byte, 0, 3+len(c.Payload))
	reg := c.Register
	if c.Read {
		reg |= ReadFlag
	}
	out = append(out, byte(c.Module), reg)
	if c.HasIndex {
		out = append(out, c.Index)
	}
	return append(out, c.Payload...)
}

// Response is the header a read command is answered with.
func (c Command) Response() Header {
	return Header{Module: c.Module, Register: c.Register & ^ReadFlag}
}

func (c Command) String() string {
	return fmt.Sprintf("%s/0x%02x [%s]", c.Module, c.Register, hex.EncodeToString(c.Bytes()))
}

// Parse decodes raw bytes back into a command. hasIndex tells whether the
// third byte is an index.
func Parse(raw []byte, hasIndex bool) (Command, error) {
	need := 2
	if hasIndex {
		need = 3
	}
	if len(raw) < need {
		return Command{}, errors.Errorf("command too short: %d bytes", len(raw))
	}
	c := Command{Module: Module(raw[0]), Register: raw[1] & ^ReadFlag, Read: raw[1]&ReadFlag != 0}
	rest := raw[2:]
	if hasIndex {
		c.HasIndex = true
		c.Index = raw[2]
		rest = raw[3:]
	}
	c.Payload = append([]byte(nil), rest...)
	return c, nil
}
