// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New returns a JSON logger in prod and a console logger everywhere else.
func New(env string) Sugared {
	var (
		z   *zap.Logger
		err error
	)
	if env == "prod" {
		z, err = zap.NewProduction()
	} else {
		z, err = zap.NewDevelopment()
	}
	if err != nil {
		z = zap.NewExample()
	}
	return z.Sugar().With("service", "authproxy")
}

// Nop discards everything; used by tests.
func Nop() Sugared { return zap.NewNop().Sugar() }
