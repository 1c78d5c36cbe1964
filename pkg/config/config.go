package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AutoMQ/connpool/pkg/pool"
)

const (
	_defaultRounds = 1
)

// Config is the configuration for poolctl
type Config struct {
	v *viper.Viper

	// Endpoints to probe, in the format of "host:port"
	Endpoints []string
	// Rounds is the number of concurrent acquire-release rounds per endpoint
	Rounds int

	Pool *Pool
	Log  *Log

	lg *zap.Logger
}

// NewConfig creates a new config.
func NewConfig(arguments []string) (*Config, error) {
	cfg := &Config{
		Pool: NewPool(),
		Log:  NewLog(),
	}

	v, fs := configure()

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	cfg.v = v
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty), and builds the logger.
func (c *Config) Adjust() error {
	if c.Rounds == 0 {
		c.Rounds = _defaultRounds
	}
	c.Pool.Adjust()

	err := c.Log.Adjust()
	if err != nil {
		return errors.WithMessage(err, "adjust log config")
	}
	c.lg, err = c.Log.Logger()
	if err != nil {
		return errors.WithMessage(err, "create logger")
	}

	if c.v == nil {
		return nil
	}
	if configFile := c.v.ConfigFileUsed(); configFile != "" {
		c.lg.Info("load configuration from file", zap.String("file-name", configFile))
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if c.Rounds < 0 {
		return errors.Errorf("invalid rounds `%d`", c.Rounds)
	}
	for _, addr := range c.Endpoints {
		if _, err := pool.ParseEndpoint(addr); err != nil {
			return errors.WithMessage(err, "invalid endpoint")
		}
	}
	err := c.Pool.Validate()
	if err != nil {
		return errors.WithMessage(err, "validate pool config")
	}
	return nil
}

// Logger returns logger generated based on the config.
// It returns nil before Adjust is called.
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

func configure() (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("poolctl", pflag.ContinueOnError)

	// Viper settings
	v.AddConfigPath(".")
	v.AddConfigPath("$CONFIG_DIR/")

	// probe settings
	fs.StringSlice("endpoints", nil, "endpoints to probe, e.g. 10.0.0.1:23000,10.0.0.2:23000")
	fs.Int("rounds", _defaultRounds, "number of concurrent acquire-release rounds per endpoint")
	_ = v.BindPFlag("endpoints", fs.Lookup("endpoints"))
	_ = v.BindPFlag("rounds", fs.Lookup("rounds"))

	poolConfigure(v, fs)
	logConfigure(v, fs)

	return v, fs
}
