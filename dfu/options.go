// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2021 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package dfu

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRetries              = 3
	DefaultNotificationTimeout  = 20 * time.Second
	DefaultDisconnectionTimeout = 10 * time.Second
)

// Config holds the transport configuration. It is fixed once the
// Transport is created.
type Config struct {
	// PRN is the packet receipt notification interval, 0 disables
	// notifications in the middle of an object.
	PRN uint16
	// MTU to negotiate during initialization, 0 keeps the default MTU
	// and the default packet size.
	MTU int
	// Retries is the number of attempts for a single object transfer.
	Retries int

	NotificationTimeout  time.Duration
	DisconnectionTimeout time.Duration

	Connect   ConnectOptions
	Logger    logrus.FieldLogger
	Observers []Observer
}

func defaultConfig() Config {
	return Config{
		Retries:              DefaultRetries,
		NotificationTimeout:  DefaultNotificationTimeout,
		DisconnectionTimeout: DefaultDisconnectionTimeout,
		Logger:               logrus.StandardLogger(),
	}
}

// Option configures a Transport.
type Option func(*Config)

// WithPRN sets the packet receipt notification interval.
func WithPRN(n uint16) Option {
	return func(c *Config) {
		c.PRN = n
	}
}

// WithMTU requests an ATT MTU exchange during initialization.
func WithMTU(mtu int) Option {
	return func(c *Config) {
		if mtu >= 0 {
			c.MTU = mtu
		}
	}
}

// WithRetries sets how many times one object transfer is attempted.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries > 0 {
			c.Retries = retries
		}
	}
}

func WithNotificationTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.NotificationTimeout = timeout
		}
	}
}

func WithDisconnectionTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.DisconnectionTimeout = timeout
		}
	}
}

func WithConnectOptions(opts ConnectOptions) Option {
	return func(c *Config) {
		c.Connect = opts
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithObserver adds an observer for progress and log events.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		if o != nil {
			c.Observers = append(c.Observers, o)
		}
	}
}
