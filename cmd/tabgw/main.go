/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/datagouv/tabular-gateway"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flagset  = pflag.NewFlagSet("", pflag.ContinueOnError)
	fversion = flagset.BoolP("version", "v", false, "show version and exit")
	fcheck   = flagset.BoolP("check", "c", false, "only check if the config file is valid")
	flog     = flagset.StringP("logtype", "l", "", "print logs in 'text' or 'json' format, overriding the config file")
	fnocolor = flagset.Bool("no-color", false, "do not colorize log output")
)

var version string // set during build

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tabgw [options] config-file
tabgw is a read-only HTTP gateway over a PostgREST instance, exposing
tabular resources through a uniform, paginated, filterable REST API.

Options:
`)
	flagset.PrintDefaults()
}

func main() {
	flagset.Usage = usage
	if err := flagset.Parse(os.Args[1:]); err == pflag.ErrHelp {
		return
	} else if err != nil || (!*fversion && flagset.NArg() != 1) {
		usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	if *fversion {
		fmt.Printf("tabgw v%s\n", version)
		return
	}
	os.Exit(realmain())
}

func realmain() int {
	cfg, err := tabular.LoadConfig(flagset.Arg(0))
	if *flog == "text" || *flog == "json" {
		cfg.LogType = *flog
	}
	if err != nil {
		log.Printf("tabgw: invalid configuration: %v", err)
		if *fcheck {
			return 2
		}
		return 1
	}
	if *fcheck {
		fmt.Printf("%s: configuration is valid\n", flagset.Arg(0))
		return 0
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	var logger zerolog.Logger
	if cfg.LogType == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.999",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()) || *fnocolor,
		}
		logger = zerolog.New(out).With().Timestamp().Logger()
	}

	server := tabular.NewServer(cfg, nil, logger)
	if err := server.Start(); err != nil {
		log.Printf("tabgw: failed to start server: %v", err)
		return 1
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	signal.Stop(ch)
	close(ch)

	if err := server.Stop(time.Minute); err != nil {
		log.Printf("tabgw: warning: failed to stop server: %v", err)
	}
	return 0
}
