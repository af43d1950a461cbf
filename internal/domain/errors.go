// Package domain contains core business entities.
package domain

import "errors"

// Serial frame errors.
var (
	ErrFrameTooShort     = errors.New("frame too short")
	ErrFrameTooLong      = errors.New("frame exceeds maximum length")
	ErrBadHeader         = errors.New("frame header mismatch")
	ErrLengthMismatch    = errors.New("frame length field does not match frame size")
	ErrChecksumMismatch  = errors.New("frame checksum mismatch")
	ErrPayloadTooLong    = errors.New("payload exceeds 32 bytes")
	ErrDeviceNAK         = errors.New("device rejected frame (NAK)")
	ErrDeviceChecksum    = errors.New("device reported checksum failure")
	ErrMalformedResponse = errors.New("malformed device response")
	ErrWatchdogTimeout   = errors.New("no terminal response before watchdog expiry")
)

// Serial link errors.
var (
	ErrPortNotOpen     = errors.New("serial port not open")
	ErrPortOpenFailed  = errors.New("failed to open serial port")
	ErrLinkDown        = errors.New("serial link down")
	ErrResetLineFailed = errors.New("hardware reset line failed")
)

// Register errors.
var (
	ErrInvalidDataLength = errors.New("invalid data length")
	ErrInvalidPage       = errors.New("invalid EEPROM page")
	ErrBankSize          = errors.New("register bank size mismatch")
	ErrBankNotLoaded     = errors.New("register bank not read yet")
)

// Reference analyzer errors.
var (
	ErrAnalyzerConnect  = errors.New("reference analyzer connection failed")
	ErrAnalyzerProtocol = errors.New("reference analyzer protocol error")
	ErrAnalyzerClosed   = errors.New("reference analyzer connection closed")
	ErrAnalyzerNotReady = errors.New("reference analyzer not initialised")
	ErrAnalyzerBusy     = errors.New("reference analyzer request already pending")
)

// Calibration errors.
var (
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	ErrCalibrationCancelled  = errors.New("calibration cancelled")
	ErrCalibrationFailed     = errors.New("calibration failed")
	ErrCalibrationStalled    = errors.New("calibration step timed out")
	ErrAnalyzerAddress       = errors.New("reference analyzer address is required")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Service errors.
var (
	ErrServiceStopped = errors.New("service has been stopped")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidConfig  = errors.New("invalid configuration")
)
