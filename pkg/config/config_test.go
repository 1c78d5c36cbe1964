package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewConfig(t *testing.T) {
	type args struct {
		arguments []string
	}
	type want struct {
		endpoints []string
		rounds    int
		pool      Pool
		logLevel  string
	}
	defaultPool := Pool{
		MaxConns:          0,
		MaxIdle:           8,
		MaxIdleTime:       time.Hour,
		ConnectTimeout:    5 * time.Second,
		WaitTimeout:       time.Second,
		IdleCheckInterval: time.Minute,
	}
	filePool := Pool{
		MaxConns:          16,
		MaxIdle:           4,
		MaxIdleTime:       10 * time.Minute,
		ConnectTimeout:    2 * time.Second,
		WaitTimeout:       500 * time.Millisecond,
		IdleCheckInterval: 30 * time.Second,
	}
	tests := []struct {
		name    string
		args    args
		want    want
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			args: args{arguments: []string{}},
			want: want{
				endpoints: []string{},
				rounds:    1,
				pool:      defaultPool,
				logLevel:  "info",
			},
		},
		{
			name: "config from command line",
			args: args{arguments: []string{
				"--endpoints=10.0.0.1:23000,10.0.0.2:23000",
				"--rounds=8",
				"--pool-max-conns=32",
				"--pool-max-idle=2",
				"--pool-max-idle-time=1h1m1s",
				"--pool-connect-timeout=3s",
				"--pool-wait-timeout=100ms",
				"--pool-idle-check-interval=10s",
				"--log-level=warn",
			}},
			want: want{
				endpoints: []string{"10.0.0.1:23000", "10.0.0.2:23000"},
				rounds:    8,
				pool: Pool{
					MaxConns:          32,
					MaxIdle:           2,
					MaxIdleTime:       time.Hour + time.Minute + time.Second,
					ConnectTimeout:    3 * time.Second,
					WaitTimeout:       100 * time.Millisecond,
					IdleCheckInterval: 10 * time.Second,
				},
				logLevel: "warn",
			},
		},
		{
			name: "config from toml file",
			args: args{arguments: []string{
				"--config=./test/test-config.toml",
			}},
			want: want{
				endpoints: []string{"10.0.0.1:23000", "10.0.0.2:23000"},
				rounds:    4,
				pool:      filePool,
				logLevel:  "debug",
			},
		},
		{
			name: "config from yaml file",
			args: args{arguments: []string{
				"--config=./test/test-config.yaml",
			}},
			want: want{
				endpoints: []string{"10.0.0.1:23000", "10.0.0.2:23000"},
				rounds:    4,
				pool:      filePool,
				logLevel:  "debug",
			},
		},
		{
			name: "command line overrides file",
			args: args{arguments: []string{
				"--config=./test/test-config.toml",
				"--pool-max-conns=64",
			}},
			want: want{
				endpoints: []string{"10.0.0.1:23000", "10.0.0.2:23000"},
				rounds:    4,
				pool: func() Pool {
					p := filePool
					p.MaxConns = 64
					return p
				}(),
				logLevel: "debug",
			},
		},
		{
			name: "help message",
			args: args{arguments: []string{
				"--help",
			}},
			wantErr: true,
			errMsg:  pflag.ErrHelp.Error(),
		},
		{
			name: "parse arguments error",
			args: args{arguments: []string{
				"--rounds=1",
				"--endpoints",
			}},
			wantErr: true,
			errMsg:  "flag needs an argument",
		},
		{
			name: "read configuration file error",
			args: args{arguments: []string{
				"--config=not-exist.yaml",
			}},
			wantErr: true,
			errMsg:  "read configuration file",
		},
		{
			name: "unmarshal configuration error",
			args: args{arguments: []string{
				"--config=./test/test-invalid.toml",
			}},
			wantErr: true,
			errMsg:  "unmarshal configuration",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig(tt.args.arguments)

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			re.ElementsMatch(tt.want.endpoints, config.Endpoints)
			re.Equal(tt.want.rounds, config.Rounds)
			re.Equal(tt.want.pool, *config.Pool)
			re.Equal(tt.want.logLevel, config.Log.Level)
		})
	}
}

func TestAdjust(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	config, err := NewConfig([]string{"--rounds=0", "--pool-max-idle-time=0", "--log-level=error"})
	re.NoError(err)

	re.Nil(config.Logger())
	err = config.Adjust()
	re.NoError(err)

	re.Equal(1, config.Rounds)
	re.Zero(config.Pool.IdleCheckInterval)
	re.NotNil(config.Logger())
	re.Equal(zapcore.ErrorLevel, config.Log.Zap.Level.Level())
	re.Equal(config.Log.Zap.OutputPaths, config.Log.Zap.ErrorOutputPaths)

	config, err = NewConfig([]string{"--log-level=loud"})
	re.NoError(err)
	re.ErrorContains(config.Adjust(), "parse log level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      func() *Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			in: func() *Config {
				config, _ := NewConfig([]string{})
				return config
			},
		},
		{
			name: "invalid endpoint",
			in: func() *Config {
				config, _ := NewConfig([]string{"--endpoints=10.0.0.1"})
				return config
			},
			wantErr: true,
			errMsg:  "invalid endpoint",
		},
		{
			name: "invalid rounds",
			in: func() *Config {
				config, _ := NewConfig([]string{"--rounds=-1"})
				return config
			},
			wantErr: true,
			errMsg:  "invalid rounds",
		},
		{
			name: "negative max connections",
			in: func() *Config {
				config, _ := NewConfig([]string{"--pool-max-conns=-1"})
				return config
			},
			wantErr: true,
			errMsg:  "invalid max connections",
		},
		{
			name: "max idle exceeds max connections",
			in: func() *Config {
				config, _ := NewConfig([]string{"--pool-max-conns=2", "--pool-max-idle=4"})
				return config
			},
			wantErr: true,
			errMsg:  "exceeds max connections",
		},
		{
			name: "negative wait timeout",
			in: func() *Config {
				config, _ := NewConfig([]string{"--pool-wait-timeout=-1s"})
				return config
			},
			wantErr: true,
			errMsg:  "invalid wait timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			err := tt.in().Validate()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
		})
	}
}

func TestAddRotationSchema(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	got := addRotationSchema([]string{"stderr", "stdout", "poolctl.log", "/var/log/poolctl.log"}, "/work")
	re.Equal([]string{
		"stderr",
		"stdout",
		"rotate:/work/poolctl.log",
		"rotate:/var/log/poolctl.log",
	}, got)
}

func TestEncodeCaller(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	enc := &sliceArrayEncoder{}
	encodeCaller(zapcore.NewEntryCaller(0, "/go/src/github.com/AutoMQ/connpool/pkg/pool/registry.go", 42, true), enc)
	encodeCaller(zapcore.EntryCaller{}, enc)
	re.Equal([]string{"pkg/pool/registry.go:42", "<unknown>"}, enc.elems)
}

type sliceArrayEncoder struct {
	zapcore.PrimitiveArrayEncoder
	elems []string
}

func (s *sliceArrayEncoder) AppendString(v string) {
	s.elems = append(s.elems, v)
}
