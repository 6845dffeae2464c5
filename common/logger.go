package common

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	logger.Store(&nop)
}

// Logger returns the logger used by the decoder packages. Libraries stay silent
// until SetLogger installs a real one.
func Logger() *zerolog.Logger {
	return logger.Load()
}

// SetLogger installs the logger used by the decoder packages.
//
// Arguments:
//   - l: The logger to use.
//
// @example
// common.SetLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}
