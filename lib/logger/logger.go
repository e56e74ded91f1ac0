package logger

import (
	"go.uber.org/zap"
)

// New builds a named sugared logger. Packages hold one at package level:
//
//	var log, _ = logger.New("chunkstore")
func New(name string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return l.Named(name).Sugar(), nil
}
