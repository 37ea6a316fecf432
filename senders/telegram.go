package senders

import (
	"context"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/fiffu/releasewatch/lib/models"
)

// Telegram caps bot uploads at 50 MB; larger assets are linked instead.
const telegramUploadLimit = 50 << 20

type telegramSender struct {
	base
	bot *tele.Bot
}

func newTelegramSender(b base) (*telegramSender, error) {
	timeout := time.Duration(b.cfg.Telegram.TimeoutSecs) * time.Second
	bot, err := tele.NewBot(tele.Settings{
		Token:  b.cfg.Telegram.Token,
		Client: &http.Client{Transport: b.transport, Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{b, bot}, nil
}

func (t *telegramSender) SendRelease(ctx context.Context, sub *models.Subscription, release *models.Release) (string, error) {
	chatID, err := strconv.ParseInt(sub.PlatformIdentifier, 10, 64)
	if err != nil {
		return "", err
	}
	recipient := tele.ChatID(chatID)

	text := (&releaseMessageFormat{sub, release}).TelegramHTML()
	msg, err := t.bot.Send(recipient, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return "", err
	}

	for _, asset := range release.Assets {
		if asset.Size <= 0 || asset.Size > telegramUploadLimit {
			continue
		}
		doc := &tele.Document{File: tele.FromURL(asset.URL), FileName: asset.Name}
		if _, err := t.bot.Send(recipient, doc); err != nil {
			// The notification itself went through; the asset stays
			// reachable through its link in the message.
			t.log.Sugar().Infow("Failed to attach release asset", "asset", asset.Name, "err", err)
		}
	}

	return strconv.Itoa(msg.ID), nil
}
