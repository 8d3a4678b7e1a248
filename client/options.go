package client

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/adriandiglio/gridpool/pool"
)

type Options struct {
	// Pool options are passed through to the underlying resource pool
	Pool []pool.Option
	// TLS config for worker connections; nil dials insecure
	TLS *tls.Config
	// Dial holds extra grpc dial options applied to every channel
	Dial []grpc.DialOption
}

type Option func(*Options)

// PoolOptions passes options through to the underlying resource pool.
func PoolOptions(opts ...pool.Option) Option {
	return func(o *Options) {
		o.Pool = append(o.Pool, opts...)
	}
}

// AuthTLS should be used to setup a secure authentication using TLS
func AuthTLS(t *tls.Config) Option {
	return func(o *Options) {
		o.TLS = t
	}
}

// DialOptions sets additional grpc dial options for new channels.
func DialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) {
		o.Dial = append(o.Dial, opts...)
	}
}

func (o Options) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if o.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(o.TLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return append(opts, o.Dial...)
}
