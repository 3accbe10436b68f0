package scpi

import "time"

// Common commands.
const (
	CmdIdentify   = "*IDN?"
	CmdClear      = "*CLS"
	CmdHeaderOff  = ":SYSTem:HEADer OFF"
	CmdSystemErr  = ":SYSTem:ERRor?"
	CmdOperationC = "*OPC?"
)

// Session defaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultChunkSize    = 256 * 1024
	DefaultMaxBlockSize = 64 * 1024 * 1024

	// trailerTimeout bounds the wait for the terminator after a block payload.
	trailerTimeout = 200 * time.Millisecond
)
