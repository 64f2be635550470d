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
	"fmt"

	"github.com/sirupsen/logrus"
)

// logger writes to logrus and mirrors every line to the observers.
type logger struct {
	log logrus.FieldLogger
	obs observers
}

func (l *logger) logf(level logrus.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case logrus.TraceLevel:
		// FieldLogger has no Trace, go through the entry when possible
		if e, ok := l.log.(*logrus.Entry); ok {
			e.Trace(msg)
		} else if lg, ok := l.log.(*logrus.Logger); ok {
			lg.Trace(msg)
		} else {
			l.log.Debug(msg)
		}
	case logrus.DebugLevel:
		l.log.Debug(msg)
	case logrus.InfoLevel:
		l.log.Info(msg)
	case logrus.WarnLevel:
		l.log.Warn(msg)
	default:
		l.log.Error(msg)
	}
	l.obs.log(LogMessage{Level: level, Message: msg})
}

func (l *logger) Tracef(format string, args ...interface{}) {
	l.logf(logrus.TraceLevel, format, args...)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.logf(logrus.DebugLevel, format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.logf(logrus.InfoLevel, format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.logf(logrus.WarnLevel, format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.logf(logrus.ErrorLevel, format, args...)
}
