package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`
	DatabasePath   string `env:"DATABASE_PATH" envDefault:"releasewatch.sqlite"`

	Telegram struct {
		Token       string `env:"TELEGRAM_BOT_TOKEN"`
		TimeoutSecs int    `env:"TELEGRAM_TIMEOUT_SECS" envDefault:"10"`
	}
	Mailgun struct {
		Domain      string `env:"MAILGUN_DOMAIN"`
		APIKey      string `env:"MAILGUN_API_KEY"`
		SenderFrom  string `env:"MAILGUN_SENDER_FROM"`
		TimeoutSecs int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"10"`
	}
	Github struct {
		Token string `env:"GITHUB_TOKEN"`
	}
	Gitlab struct {
		Token string `env:"GITLAB_TOKEN"`
	}

	// UpstreamTokens lets a subscription reference a named credential
	// instead of the process-wide provider token -- ref1:token1,ref2:token2
	UpstreamTokens string `env:"UPSTREAM_TOKENS"`

	Poll struct {
		MinIntervalSecs     int `env:"POLL_MIN_INTERVAL_SECS" envDefault:"300"`
		DefaultIntervalSecs int `env:"POLL_DEFAULT_INTERVAL_SECS" envDefault:"86400"`
		TickSecs            int `env:"POLL_TICK_SECS" envDefault:"60"`
		Concurrency         int `env:"POLL_CONCURRENCY" envDefault:"5"`
		CheckTimeoutSecs    int `env:"POLL_CHECK_TIMEOUT_SECS" envDefault:"20"`
		DefaultBackoffSecs  int `env:"POLL_DEFAULT_BACKOFF_SECS" envDefault:"300"`
	}

	log    *zap.Logger
	creds  map[string]string
	tokens map[string]string
}

func NewConfig(lc fx.Lifecycle, log *zap.Logger) *Config {
	cfg := &Config{log: log}
	env.Parse(cfg)

	creds, err := cfg.parseKeyValues(cfg.BasicAuthCreds, "BASIC_AUTH_CREDS")
	if err != nil {
		if cfg.Env != "production" {
			cfg.log.Sugar().Infof("%s (credentials will be set to default in development env)", err)
			creds = map[string]string{"admin": "password"}
		} else {
			cfg.log.Sugar().Panic(err)
		}
	}
	cfg.creds = creds

	tokens, err := cfg.parseKeyValues(cfg.UpstreamTokens, "UPSTREAM_TOKENS")
	if err != nil {
		tokens = map[string]string{}
	}
	cfg.tokens = tokens

	return cfg
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

// UpstreamToken resolves the credential used to fetch a repository. A
// non-empty credentialRef names an entry in UPSTREAM_TOKENS; otherwise the
// process-wide provider token applies. An empty return degrades the call to
// the unauthenticated budget, it is never an error.
func (cfg *Config) UpstreamToken(provider, credentialRef string) string {
	if credentialRef != "" {
		if tok, ok := cfg.tokens[credentialRef]; ok {
			return tok
		}
	}
	switch provider {
	case "github":
		return cfg.Github.Token
	case "gitlab":
		return cfg.Gitlab.Token
	}
	return ""
}

func (cfg *Config) MinInterval() time.Duration {
	return time.Duration(cfg.Poll.MinIntervalSecs) * time.Second
}

func (cfg *Config) DefaultInterval() time.Duration {
	return time.Duration(cfg.Poll.DefaultIntervalSecs) * time.Second
}

func (cfg *Config) TickInterval() time.Duration {
	return time.Duration(cfg.Poll.TickSecs) * time.Second
}

func (cfg *Config) CheckTimeout() time.Duration {
	return time.Duration(cfg.Poll.CheckTimeoutSecs) * time.Second
}

func (cfg *Config) DefaultBackoff() time.Duration {
	return time.Duration(cfg.Poll.DefaultBackoffSecs) * time.Second
}

func (cfg *Config) parseKeyValues(raw, envvar string) (map[string]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s envvar must be populated", envvar)
	}

	pairs := strings.Split(raw, ",")
	if len(pairs) == 0 {
		return nil, errors.New(envvar + " envvar should be filled with comma-separated values -- key1:value1,key2:value2")
	}

	result := make(map[string]string)
	for _, pair := range pairs {
		keyValue := strings.SplitN(pair, ":", 2)
		if len(keyValue) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each entry should be delimited by a colon -- key1:value1,key2:value2", pair)
		}

		key, value := keyValue[0], keyValue[1]
		result[strings.Trim(key, " ")] = strings.Trim(value, " ")
	}

	return result, nil
}
