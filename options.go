package beaconp2p

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Option Service 选项
type Option func(*options) error

// options 内部选项结构
type options struct {
	clock         clock.Clock
	registry      *prometheus.Registry
	userFxOptions []fx.Option
}

func newOptions() *options {
	return &options{}
}

// WithClock 注入时钟（测试使用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return errors.New("clock is nil")
		}
		o.clock = clk
		return nil
	}
}

// WithRegistry 使用指定的 prometheus Registry
//
// 默认每个 Service 创建独立的 Registry。
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("registry is nil")
		}
		o.registry = reg
		return nil
	}
}

// WithFxOptions 追加自定义 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOptions = append(o.userFxOptions, opts...)
		return nil
	}
}
