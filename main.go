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

package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

type options struct {
	Verbose []bool             `short:"v" long:"verbose" description:"Show debug output, twice for protocol traces"`
	HCI     int                `long:"hci" default:"0" description:"HCI device index"`
	Config  func(string) error `long:"config" value-name:"FILE" description:"Read options from an INI file"`
}

var (
	opts   options
	parser = flags.NewParser(&opts, flags.Default)
)

func init() {
	opts.Config = func(path string) error {
		return flags.NewIniParser(parser).ParseFile(path)
	}
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	switch len(opts.Verbose) {
	case 0:
		log.SetLevel(log.InfoLevel)
	case 1:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}

func main() {
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		setupLogging()
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}
	// errors are reported by the parser
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
