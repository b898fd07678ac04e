package server

import "github.com/rs/zerolog"

// testLogger returns a logger that discards output.
func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
