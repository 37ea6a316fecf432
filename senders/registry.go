package senders

import (
	"context"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib/models"
)

// Sender delivers one release notification to one subscriber. The returned
// id is the platform's message identifier, for log correlation.
type Sender interface {
	SendRelease(ctx context.Context, sub *models.Subscription, release *models.Release) (string, error)
}

type Registry map[string]Sender

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) (Registry, error) {
	base := base{log, cfg, transport}

	registry := Registry{
		"email": &mailgunSender{base},
	}

	if cfg.Telegram.Token == "" {
		log.Sugar().Info("Telegram sender is disabled since no bot token is defined")
	} else {
		tg, err := newTelegramSender(base)
		if err != nil {
			return nil, err
		}
		registry["telegram"] = tg
	}

	return registry, nil
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}
