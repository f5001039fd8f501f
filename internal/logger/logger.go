package logger

import (
	"go.uber.org/zap"
)

var log = zap.NewNop()

// Init builds the process logger. Production environments log JSON,
// everything else logs in the development console format.
func Init(environment string) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if environment == "production" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	log = l
	return l, nil
}

// L returns the process logger. Safe to call before Init; it returns a
// no-op logger until Init succeeds.
func L() *zap.Logger {
	return log
}
