// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scd30

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/airmon/devices/common"
)

// PPM=Parts Per Million. Units of measure for CO2 concentration. Unlike the
// SCD4x family, the SCD30 reports concentration as a float.
type PPM float32

const (
	// SensorAddress is the only i2c address the device supports.
	SensorAddress uint16 = 0x61

	// The sensor NAKs a response read that follows the command write too
	// closely. Both the interface description and field experience put the
	// required gap at 3ms.
	readDelay = 3 * time.Millisecond

	// Valid range for the continuous measurement interval.
	minInterval = 2 * time.Second
	maxInterval = 1800 * time.Second

	// Valid range for the ambient pressure argument, in millibar. Zero is
	// also accepted and disables pressure compensation.
	minPressureMBar = 700
	maxPressureMBar = 1400

	// Valid range for the forced recalibration reference concentration.
	minFRCTarget PPM = 400
	maxFRCTarget PPM = 2000
)

type cmd uint16

// Structure to simplify sending commands to the device.
type command struct {
	// The 16-bit command word.
	cmdWord cmd
	// The expected number of response bytes. 0, 3, or 18.
	responseSize int
}

// The various implemented commands.

var cmdStartContinuous = command{
	cmdWord: 0x0010,
}
var cmdStopContinuous = command{
	cmdWord: 0x0104,
}
var cmdGetMeasurementInterval = command{
	cmdWord:      0x4600,
	responseSize: 3,
}
var cmdSetMeasurementInterval = command{
	cmdWord: 0x4600,
}
var cmdGetDataReady = command{
	cmdWord:      0x0202,
	responseSize: 3,
}
var cmdReadMeasurement = command{
	cmdWord:      0x0300,
	responseSize: 18,
}
var cmdGetASCEnabled = command{
	cmdWord:      0x5306,
	responseSize: 3,
}
var cmdSetASCEnabled = command{
	cmdWord: 0x5306,
}
var cmdGetFRCTarget = command{
	cmdWord:      0x5204,
	responseSize: 3,
}
var cmdSetFRCTarget = command{
	cmdWord: 0x5204,
}
var cmdGetTemperatureOffset = command{
	cmdWord:      0x5403,
	responseSize: 3,
}
var cmdSetTemperatureOffset = command{
	cmdWord: 0x5403,
}
var cmdGetAltitude = command{
	cmdWord:      0x5102,
	responseSize: 3,
}
var cmdSetAltitude = command{
	cmdWord: 0x5102,
}
var cmdGetFirmwareVersion = command{
	cmdWord:      0xd100,
	responseSize: 3,
}
var cmdSoftReset = command{
	cmdWord: 0xd304,
}

// Measurement is one decoded sensor reading. The sensor transmits all three
// values as a single 18-byte payload; either the whole payload validates
// and decodes, or the read fails as a whole.
type Measurement struct {
	// CO2 concentration in parts per million.
	CO2 PPM
	// Temperature in degrees Celsius.
	Temperature float32
	// Relative humidity in percent.
	Humidity float32
}

func (m Measurement) String() string {
	return fmt.Sprintf("CO2: %.0f PPM Temperature: %.2f°C Humidity: %.1f%%", float32(m.CO2), m.Temperature, m.Humidity)
}

func (ppm PPM) String() string {
	return fmt.Sprintf("%.0f PPM", float32(ppm))
}

// The sensor reading in physic units. Returns CO2 PPM, Temperature, and
// Humidity.
type Env struct {
	physic.Env
	CO2 PPM
}

// Return the sensor readings in string format.
func (e *Env) String() string {
	return fmt.Sprintf("Temperature: %s Humidity: %s CO2: %s", e.Temperature.String(), e.Humidity.String(), e.CO2.String())
}

// DevConfig is the current running configuration of the device. All
// settings except FirmwareVersion persist in the sensor across power
// cycles. Use Dev.GetConfiguration() to read the values, and
// Dev.SetConfiguration() to apply changes.
//
// Refer to the interface description for more information on settings.
type DevConfig struct {
	// Interval between acquisitions in continuous measurement mode.
	// Valid range is 2s to 1800s, in whole seconds.
	MeasurementInterval time.Duration
	// Automatic-Self-Calibration enabled. Requires regular exposure to
	// fresh air to converge.
	ASCEnabled bool
	// Reference concentration for forced recalibration. Writing it
	// recalibrates the sensor against the supplied value, so
	// SetConfiguration only transmits it when changed.
	FRCTarget PPM
	// Offset subtracted from the temperature reading to compensate for
	// heat from nearby electronics. Stored by the sensor in units of
	// 0.01°C.
	TemperatureOffset physic.Temperature
	// Height above sea level used for pressure compensation. Ignored by
	// the sensor while an ambient pressure argument is active.
	AltitudeCompensation physic.Distance
	// The firmware version of the device, major.minor. Read-Only.
	FirmwareVersion string
}

// Dev represents an SCD30 device.
type Dev struct {
	// The i2c bus device.
	d *i2c.Dev
	// channel to halt SenseContinuous
	chHalt chan bool
	// Serializes transactions. At most one read sequence is in flight at
	// a time.
	mu sync.Mutex
	// True if the device is in continuous measurement mode.
	measuring bool
	// Last known measurement interval. Zero until read from the device.
	interval time.Duration
}

// NewI2C creates a new SCD30 sensor using the supplied bus and address.
// The constant value SensorAddress should be supplied as the value for
// addr. The sensor is not started; call StartContinuous, or let Sense do
// it on first use.
func NewI2C(b i2c.Bus, addr uint16) (*Dev, error) {
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}}, nil
}

// All commands to read or write to the sensor go through this function.
// The caller must hold d.mu. The SCD30 does not support repeated-start
// combined transactions, so the command write and the response read are
// separate transfers with a short delay between them.
func (d *Dev) sendCommand(c command, writeData []uint16) ([]uint16, error) {
	w := make([]byte, 2, 2+3*len(writeData))
	w[0] = byte(c.cmdWord >> 8)
	w[1] = byte(c.cmdWord)
	for _, val := range writeData {
		w = common.PutWord(w, val)
	}
	if err := d.d.Tx(w, nil); err != nil {
		return nil, &BusError{Cmd: uint16(c.cmdWord), Err: err}
	}
	if c.responseSize == 0 {
		return nil, nil
	}

	time.Sleep(readDelay)
	r := make([]byte, c.responseSize)
	if err := d.d.Tx(nil, r); err != nil {
		return nil, &BusError{Cmd: uint16(c.cmdWord), Err: err}
	}

	// Convert the frames into a slice of words, verifying each CRC as we
	// go. A single bad checksum fails the whole response.
	result := make([]uint16, c.responseSize/3)
	for ix := range result {
		word, ok := common.Word(r[ix*3 : ix*3+3])
		if !ok {
			return nil, &ChecksumError{
				Cmd:      uint16(c.cmdWord),
				Received: r[ix*3+2],
				Computed: common.CRC8(r[ix*3 : ix*3+2]),
			}
		}
		result[ix] = word
	}
	return result, nil
}

// StartContinuous puts the sensor in continuous measurement mode, sampling
// at the configured measurement interval until stopped. ambientPressure
// compensates readings for the local air pressure; it must be zero
// (compensation disabled) or between 700 and 1400 millibar. Calling it
// again re-arms the sensor; the mode also survives power cycles.
func (d *Dev) StartContinuous(ambientPressure physic.Pressure) error {
	mbar := uint16(ambientPressure / (100 * physic.Pascal))
	if mbar != 0 && (mbar < minPressureMBar || mbar > maxPressureMBar) {
		return fmt.Errorf("scd30: ambient pressure %s out of range [%d, %d] mbar", ambientPressure, minPressureMBar, maxPressureMBar)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startContinuous(mbar)
}

func (d *Dev) startContinuous(mbar uint16) error {
	if _, err := d.sendCommand(cmdStartContinuous, []uint16{mbar}); err != nil {
		return err
	}
	d.measuring = true
	return nil
}

// StopContinuous takes the sensor out of continuous measurement mode.
func (d *Dev) StopContinuous() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.sendCommand(cmdStopContinuous, nil); err != nil {
		return err
	}
	d.measuring = false
	return nil
}

// DataReady returns true when a completed measurement is available to be
// read. It is a pure query; polling it repeatedly has no effect on the
// sensor. Returns a *BusError if the transaction fails and a
// *ChecksumError if the status word is corrupted; both should be treated
// as "not ready yet" and retried after a short delay.
func (d *Dev) DataReady() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataReady()
}

func (d *Dev) dataReady() (bool, error) {
	words, err := d.sendCommand(cmdGetDataReady, nil)
	if err != nil {
		return false, err
	}
	return words[0]&1 == 1, nil
}

// ReadMeasurement reads one measurement from the sensor. The 18-byte
// payload carries six CRC-protected words; if any checksum fails, the
// whole call fails with a *ChecksumError and no Measurement is returned.
// A reading should only be performed once DataReady reports true,
// otherwise the sensor returns the previous measurement again.
func (d *Dev) ReadMeasurement() (Measurement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readMeasurement()
}

func (d *Dev) readMeasurement() (Measurement, error) {
	words, err := d.sendCommand(cmdReadMeasurement, nil)
	if err != nil {
		return Measurement{}, err
	}
	// Each value is an IEEE-754 float split across two words,
	// most-significant word first.
	return Measurement{
		CO2:         PPM(wordsToFloat(words[0], words[1])),
		Temperature: wordsToFloat(words[2], words[3]),
		Humidity:    wordsToFloat(words[4], words[5]),
	}, nil
}

func wordsToFloat(hi, lo uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// GetConfiguration returns a structure containing all of the scd30
// configuration variables. You can then alter settings and call
// SetConfiguration with it.
func (d *Dev) GetConfiguration() (*DevConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getConfiguration()
}

func (d *Dev) getConfiguration() (*DevConfig, error) {
	cfg := &DevConfig{}
	var words []uint16
	var err error

	if words, err = d.sendCommand(cmdGetMeasurementInterval, nil); err != nil {
		return nil, err
	}
	cfg.MeasurementInterval = time.Duration(words[0]) * time.Second
	d.interval = cfg.MeasurementInterval

	if words, err = d.sendCommand(cmdGetASCEnabled, nil); err != nil {
		return nil, err
	}
	cfg.ASCEnabled = words[0] != 0

	if words, err = d.sendCommand(cmdGetFRCTarget, nil); err != nil {
		return nil, err
	}
	cfg.FRCTarget = PPM(words[0])

	if words, err = d.sendCommand(cmdGetTemperatureOffset, nil); err != nil {
		return nil, err
	}
	cfg.TemperatureOffset = physic.Temperature(words[0]) * 10 * physic.MilliKelvin

	if words, err = d.sendCommand(cmdGetAltitude, nil); err != nil {
		return nil, err
	}
	cfg.AltitudeCompensation = physic.Distance(words[0]) * physic.Metre

	if words, err = d.sendCommand(cmdGetFirmwareVersion, nil); err != nil {
		return nil, err
	}
	cfg.FirmwareVersion = fmt.Sprintf("%d.%d", words[0]>>8, words[0]&0xff)

	return cfg, nil
}

// SetConfiguration alters the configuration of the sensor. Only values
// that differ from the current running configuration are transmitted. The
// sensor persists them on its own; there is no separate commit step.
func (d *Dev) SetConfiguration(newCfg *DevConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	currentConfig, err := d.getConfiguration()
	if err != nil {
		return fmt.Errorf("scd30 GetConfiguration(): %w", err)
	}

	w := make([]uint16, 1)
	if currentConfig.MeasurementInterval != newCfg.MeasurementInterval {
		if newCfg.MeasurementInterval < minInterval || newCfg.MeasurementInterval > maxInterval || newCfg.MeasurementInterval%time.Second != 0 {
			return fmt.Errorf("scd30: invalid measurement interval %s. must be whole seconds in [%s, %s]", newCfg.MeasurementInterval, minInterval, maxInterval)
		}
		w[0] = uint16(newCfg.MeasurementInterval / time.Second)
		if _, err := d.sendCommand(cmdSetMeasurementInterval, w); err != nil {
			return err
		}
		d.interval = newCfg.MeasurementInterval
	}

	if currentConfig.ASCEnabled != newCfg.ASCEnabled {
		if newCfg.ASCEnabled {
			w[0] = 1
		} else {
			w[0] = 0
		}
		if _, err := d.sendCommand(cmdSetASCEnabled, w); err != nil {
			return err
		}
	}

	if currentConfig.FRCTarget != newCfg.FRCTarget {
		if newCfg.FRCTarget < minFRCTarget || newCfg.FRCTarget > maxFRCTarget {
			return fmt.Errorf("scd30: invalid frc target %s. must be in [%s, %s]", newCfg.FRCTarget, minFRCTarget, maxFRCTarget)
		}
		w[0] = uint16(newCfg.FRCTarget)
		if _, err := d.sendCommand(cmdSetFRCTarget, w); err != nil {
			return err
		}
	}

	if currentConfig.TemperatureOffset != newCfg.TemperatureOffset {
		w[0] = uint16(newCfg.TemperatureOffset / (10 * physic.MilliKelvin))
		if _, err := d.sendCommand(cmdSetTemperatureOffset, w); err != nil {
			return err
		}
	}

	if currentConfig.AltitudeCompensation != newCfg.AltitudeCompensation {
		w[0] = uint16(newCfg.AltitudeCompensation / physic.Metre)
		if _, err := d.sendCommand(cmdSetAltitude, w); err != nil {
			return err
		}
	}

	return nil
}

// Reset issues a soft reset. The sensor reboots with its persisted
// calibration and configuration, and resumes continuous measurement mode
// if it was active.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sendCommand(cmdSoftReset, nil)
	time.Sleep(50 * time.Millisecond)
	return err
}

// Halt stops continuous measurement mode, and if a SenseContinuous
// operation is in progress, it too is halted. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chHalt != nil {
		close(d.chHalt)
		d.chHalt = nil
	}
	if d.measuring {
		d.measuring = false
		if _, err := d.sendCommand(cmdStopContinuous, nil); err != nil {
			return err
		}
	}
	return nil
}

// Sense returns a reading (Temperature, Humidity, and CO2 concentration)
// from the device. The sensor is started if it isn't measuring yet. The
// call blocks until the sensor signals data ready, bounded by one
// measurement interval plus a margin; status reads that fail are treated
// as not-ready and retried within that bound.
func (d *Dev) Sense(env *Env) error {
	env.Temperature = 0
	env.Humidity = 0
	env.Pressure = 0
	env.CO2 = 0

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.measuring {
		if err := d.startContinuous(0); err != nil {
			return err
		}
	}
	if d.interval == 0 {
		words, err := d.sendCommand(cmdGetMeasurementInterval, nil)
		if err != nil {
			return err
		}
		d.interval = time.Duration(words[0]) * time.Second
	}

	cutoff := time.Now().Add(d.interval + 2*time.Second)
	for {
		ready, err := d.dataReady()
		if err == nil && ready {
			break
		}
		if time.Now().After(cutoff) {
			return errors.New("scd30: timeout waiting for data ready status")
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := d.readMeasurement()
	if err != nil {
		return err
	}
	env.Temperature = physic.ZeroCelsius + physic.Temperature(float64(m.Temperature)*float64(physic.Celsius))
	env.Humidity = physic.RelativeHumidity(float64(m.Humidity) * float64(physic.PercentRH))
	env.CO2 = m.CO2
	return nil
}

// SenseContinuous continuously reads the sensor on the specified duration,
// and writes readings to the returned channel. The sensor's own
// acquisition cadence is its measurement interval; an interval shorter
// than that spins on the data ready status. To terminate a continuous
// sense, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan Env, error) {
	d.mu.Lock()
	if d.chHalt != nil {
		d.mu.Unlock()
		return nil, errors.New("scd30: SenseContinuous() running already")
	}
	halt := make(chan bool)
	d.chHalt = halt
	d.mu.Unlock()

	channelSize := 16
	channel := make(chan Env, channelSize)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(channel)

		for {
			select {
			case <-halt:
				return
			case <-ticker.C:
				// do the reading and write to the channel.
				e := Env{}
				err := d.Sense(&e)
				if err == nil && len(channel) < channelSize {
					channel <- e
				}
			}
		}
	}()
	return channel, nil
}

// Precision returns the sensor's resolution, or minimum value between
// steps the device can make. The sensor reports floats; the specified
// output resolution is 1 PPM for CO2, 0.01°C for temperature, and 0.01%
// for humidity.
func (d *Dev) Precision(env *Env) {
	env.Temperature = 10 * physic.MilliKelvin
	env.Pressure = 0
	env.Humidity = physic.PercentRH / 100
	env.CO2 = 1
}

func (d *Dev) String() string {
	return fmt.Sprintf("scd30: %s", d.d.String())
}

var _ conn.Resource = &Dev{}
