package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultMaxConns          = 0
	_defaultMaxIdle           = 8
	_defaultMaxIdleTime       = time.Hour
	_defaultConnectTimeout    = 5 * time.Second
	_defaultWaitTimeout       = time.Second
	_defaultIdleCheckInterval = time.Minute
)

// Pool is the configuration for the connection manager of each endpoint
type Pool struct {
	// MaxConns is the maximum number of connections checked out from one endpoint at the same time.
	// If zero, there is no limit.
	MaxConns int
	// MaxIdle is the maximum number of idle connections kept for one endpoint.
	// If zero, all released connections are kept.
	MaxIdle int
	// MaxIdleTime is the maximum amount of time a connection may stay idle before being closed.
	// If zero, idle connections never expire.
	MaxIdleTime time.Duration
	// ConnectTimeout is the timeout of dialing a new connection.
	// If zero, only the context passed to Acquire limits the dial.
	ConnectTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a free slot when MaxConns is reached.
	// If zero, only the context passed to Acquire limits the wait.
	WaitTimeout time.Duration
	// IdleCheckInterval is the interval of closing expired idle connections in background.
	// If zero, expired connections are only closed when they are picked by Acquire.
	IdleCheckInterval time.Duration
}

func NewPool() *Pool {
	return &Pool{}
}

// Adjust disables background checks which could never close anything.
func (p *Pool) Adjust() {
	if p.MaxIdleTime == 0 {
		p.IdleCheckInterval = 0
	}
}

func (p *Pool) Validate() error {
	if p.MaxConns < 0 {
		return errors.Errorf("invalid max connections `%d`", p.MaxConns)
	}
	if p.MaxIdle < 0 {
		return errors.Errorf("invalid max idle connections `%d`", p.MaxIdle)
	}
	if p.MaxConns > 0 && p.MaxIdle > p.MaxConns {
		return errors.Errorf("max idle connections `%d` exceeds max connections `%d`", p.MaxIdle, p.MaxConns)
	}
	if p.MaxIdleTime < 0 {
		return errors.Errorf("invalid max idle time `%s`", p.MaxIdleTime)
	}
	if p.ConnectTimeout < 0 {
		return errors.Errorf("invalid connect timeout `%s`", p.ConnectTimeout)
	}
	if p.WaitTimeout < 0 {
		return errors.Errorf("invalid wait timeout `%s`", p.WaitTimeout)
	}
	if p.IdleCheckInterval < 0 {
		return errors.Errorf("invalid idle check interval `%s`", p.IdleCheckInterval)
	}
	return nil
}

func poolConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Int("pool-max-conns", _defaultMaxConns, "maximum number of connections checked out from one endpoint at the same time, 0 for no limit")
	fs.Int("pool-max-idle", _defaultMaxIdle, "maximum number of idle connections kept for one endpoint, 0 for no limit")
	fs.Duration("pool-max-idle-time", _defaultMaxIdleTime, "maximum amount of time a connection may stay idle, 0 for never expire")
	fs.Duration("pool-connect-timeout", _defaultConnectTimeout, "timeout of dialing a new connection")
	fs.Duration("pool-wait-timeout", _defaultWaitTimeout, "maximum time to wait for a connection when the limit is reached")
	fs.Duration("pool-idle-check-interval", _defaultIdleCheckInterval, "interval of closing expired idle connections, 0 to disable")
	_ = v.BindPFlag("pool.maxConns", fs.Lookup("pool-max-conns"))
	_ = v.BindPFlag("pool.maxIdle", fs.Lookup("pool-max-idle"))
	_ = v.BindPFlag("pool.maxIdleTime", fs.Lookup("pool-max-idle-time"))
	_ = v.BindPFlag("pool.connectTimeout", fs.Lookup("pool-connect-timeout"))
	_ = v.BindPFlag("pool.waitTimeout", fs.Lookup("pool-wait-timeout"))
	_ = v.BindPFlag("pool.idleCheckInterval", fs.Lookup("pool-idle-check-interval"))
}
