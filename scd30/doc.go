// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scd30 provides a driver for the Sensirion SCD30 CO2 sensor
// module. The SCD30 measures CO2 concentration, temperature, and relative
// humidity, and returns all three as one atomic, CRC-protected reading.
//
// Refer to the interface description for more information.
//
// https://sensirion.com/media/documents/D7CEEF4A/6165372F/Sensirion_CO2_Sensors_SCD30_Interface_Description.pdf
package scd30
