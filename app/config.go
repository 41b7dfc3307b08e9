package chatcampus

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "CHATCAMPUS"

type Config struct {
	API struct {
		// URL is the root of the REST API. Request paths are resolved
		// relative to it.
		URL string `mapstructure:"url" validate:"required,url"`
	} `mapstructure:"api"`
	WS struct {
		// URL is the root of the live channel endpoint, ws:// or wss://.
		URL string `mapstructure:"url" validate:"required,wsurl"`
	} `mapstructure:"ws"`
	Tokens struct {
		// File is the sqlite database holding the token pair. Empty keeps
		// the pair in memory only.
		File string `mapstructure:"file"`
	} `mapstructure:"tokens"`
	Snapshot struct {
		StaleTime time.Duration `mapstructure:"stale_time" validate:"gt=0"`
		Retries   int           `mapstructure:"retries" validate:"gte=0"`
	} `mapstructure:"snapshot"`
	Live struct {
		Reconnect struct {
			MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
			BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
			MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gte=0"`
		} `mapstructure:"reconnect"`
	} `mapstructure:"live"`
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`
	Dev struct {
		Addr string `mapstructure:"addr" validate:"required,hostname_port"`
		// Secret signs the dev server's tokens. It must be base64 encoded;
		// the default is a random 32 byte key.
		Secret         Base64Encoded `mapstructure:"secret" validate:"required"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
		TLSCert        string        `mapstructure:"tls_cert" validate:"required_with=TLSKey"`
		TLSKey         string        `mapstructure:"tls_key" validate:"required_with=TLSCert"`
		// GoogleUserInfoURL is completed with a Google access token to look
		// up the account signing in through auth/google/. Empty means
		// Google's own endpoint.
		GoogleUserInfoURL string `mapstructure:"google_userinfo_url" validate:"omitempty,url"`
	} `mapstructure:"dev"`
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatcampus", "tokens.db")
}

// LoadConfig loads the configuration from config.yaml and CHATCAMPUS_
// environment variables, after loading an optional .env file. file, when
// set, replaces the config file search.
// Values that fail to decode are caught in the validation step.
func LoadConfig(file string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "chatcampus"))
		}
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.url", "http://localhost:8000/")
	v.SetDefault("ws.url", "ws://localhost:8000/")
	v.SetDefault("tokens.file", defaultTokenFile())
	v.SetDefault("snapshot.stale_time", "2m")
	v.SetDefault("snapshot.retries", 1)
	v.SetDefault("live.reconnect.max_attempts", 5)
	v.SetDefault("live.reconnect.base_delay", "500ms")
	v.SetDefault("live.reconnect.max_delay", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("dev.addr", "localhost:8000")
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("dev.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("dev.allowed_origins", []string{"*"})
	v.SetDefault("dev.tls_cert", "")
	v.SetDefault("dev.tls_key", "")
	v.SetDefault("dev.google_userinfo_url", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// FormatValidationErrors renders validation errors one per line, sorted.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	lines := make([]string, 0, len(translated))
	for _, v := range translated {
		lines = append(lines, v)
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}
