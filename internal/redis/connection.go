// Package redis opens redigo connection pools from redis://, rediss://
// and unix:// URIs.
package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/BranchIntl/rmqworker/errors"
)

// ErrInvalidScheme is returned when the Redis URI scheme is not supported
var ErrInvalidScheme = errors.New("invalid Redis database URI scheme")

// Options configures a Redis connection pool
type Options struct {
	URI            string
	MaxConnections int
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS is forced on for rediss:// URIs
	UseTLS        bool
	TLSSkipVerify bool
	TLSCertPath   string
}

// DefaultOptions returns pool defaults for a local Redis
func DefaultOptions() Options {
	return Options{
		URI:            "redis://localhost:6379/",
		MaxConnections: 10,
		MaxIdle:        2,
		IdleTimeout:    240 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Endpoint is a parsed Redis URI
type Endpoint struct {
	Network  string
	Address  string
	Password string
	Database string
	TLS      bool
}

// ParseURI splits a Redis URI into the parts needed to dial it
func ParseURI(raw string) (Endpoint, error) {
	uri, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid URI: %w", err)
	}

	switch uri.Scheme {
	case "redis", "rediss":
		ep := Endpoint{
			Network: "tcp",
			Address: uri.Host,
			TLS:     uri.Scheme == "rediss",
		}
		if uri.User != nil {
			ep.Password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			ep.Database = uri.Path[1:]
		}
		return ep, nil
	case "unix":
		return Endpoint{Network: "unix", Address: uri.Path}, nil
	}
	return Endpoint{}, ErrInvalidScheme
}

// NewPool creates a pool that dials with Dial on demand
func NewPool(options Options) *redis.Pool {
	return &redis.Pool{
		MaxActive:   options.MaxConnections,
		MaxIdle:     options.MaxIdle,
		IdleTimeout: options.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			return Dial(options)
		},
		TestOnBorrow: testOnBorrow,
	}
}

// testOnBorrow pings connections idle for more than a minute
func testOnBorrow(c redis.Conn, t time.Time) error {
	if time.Since(t) < time.Minute {
		return nil
	}
	_, err := c.Do("PING")
	return err
}

// Dial opens a single connection, authenticating and selecting the
// database named by the URI
func Dial(options Options) (redis.Conn, error) {
	ep, err := ParseURI(options.URI)
	if err != nil {
		return nil, errors.NewConnectionError(Redact(options.URI), err)
	}

	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(options.ConnectTimeout),
		redis.DialReadTimeout(options.ReadTimeout),
		redis.DialWriteTimeout(options.WriteTimeout),
	}
	if ep.Password != "" {
		dialOptions = append(dialOptions, redis.DialPassword(ep.Password))
	}

	if ep.Network == "tcp" && (ep.TLS || options.UseTLS) {
		tlsConfig := &tls.Config{InsecureSkipVerify: options.TLSSkipVerify}
		if options.TLSCertPath != "" {
			pool, err := LoadCertPool(options.TLSCertPath)
			if err != nil {
				return nil, errors.NewConnectionError(Redact(options.URI), err)
			}
			tlsConfig.RootCAs = pool
		}
		dialOptions = append(dialOptions,
			redis.DialUseTLS(true),
			redis.DialTLSConfig(tlsConfig))
	}

	conn, err := redis.Dial(ep.Network, ep.Address, dialOptions...)
	if err != nil {
		return nil, errors.NewConnectionError(Redact(options.URI), fmt.Errorf("failed to connect: %w", err))
	}

	if ep.Database != "" {
		if _, err := conn.Do("SELECT", ep.Database); err != nil {
			conn.Close()
			return nil, errors.NewConnectionError(Redact(options.URI), fmt.Errorf("failed to select database: %w", err))
		}
	}

	return conn, nil
}

// Redact replaces the password of a URI for logs and errors
func Redact(raw string) string {
	uri, err := url.Parse(raw)
	if err != nil || uri.User == nil {
		return raw
	}
	if _, ok := uri.User.Password(); ok {
		uri.User = url.UserPassword(uri.User.Username(), "redacted")
	}
	return uri.String()
}

// LoadCertPool appends the PEM certificates at certPath to the system pool
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
