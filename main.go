package main

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fiffu/releasewatch/app"
	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib"
	"github.com/fiffu/releasewatch/lib/poller"
	"github.com/fiffu/releasewatch/lib/store"
	"github.com/fiffu/releasewatch/lib/upstream"
	"github.com/fiffu/releasewatch/senders"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),

		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),
		fx.Provide(store.NewGormStore),

		fx.Provide(upstream.NewBudgets),
		fx.Provide(upstream.NewClient),
		fx.Provide(senders.NewSenderRegistry),
		fx.Provide(poller.NewPoller),
		fx.Provide(func(p *poller.Poller) lib.Checker { return p }),

		fx.Provide(lib.NewService),
		fx.Provide(app.NewAPI),

		fx.Invoke(func(*poller.Poller) {}),
		fx.Invoke(func(*http.Server) {}),
	).Run()
}
