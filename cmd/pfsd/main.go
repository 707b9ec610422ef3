// Copyright 2024 The PFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary pfsd is the standalone daemon CLI, grounded on the flag surface
// of original_source/src/pfsd/pfsd_option.cc's getopt handling (spec.md
// §6): -f/-d select foreground/daemonize, -w/-s/-r size the worker and
// poller pools, -e sets the server id, -c names a log config, -p names
// the PBD to serve, -a overrides the shared-memory directory, -q enables
// auto-increase-epoch.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/polarfs/pfs-go/pkg/pfsd"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	opts := pfsd.DefaultOptions()

	var foreground, daemonize, autoIncreaseEpoch bool
	var logConfig string
	flag.BoolVarP(&foreground, "foreground", "f", false, "run in the foreground")
	flag.BoolVarP(&daemonize, "daemonize", "d", false, "daemonize after startup")
	flag.IntVarP(&opts.Workers, "workers", "w", opts.Workers, "worker thread count")
	flag.IntVarP(&opts.UsleepMicros, "usleep", "s", opts.UsleepMicros, "worker poll sleep, in microseconds")
	flag.IntVarP(&opts.ServerID, "server-id", "e", opts.ServerID, "server id")
	flag.StringVarP(&logConfig, "log-config", "c", "", "log configuration file")
	flag.StringVarP(&opts.PBDName, "pbdname", "p", "", "PBD name to serve (required)")
	flag.StringVarP(&opts.ShmDir, "shm-dir", "a", opts.ShmDir, "shared-memory directory")
	flag.IntVarP(&opts.Pollers, "pollers", "r", opts.Pollers, "poller thread count")
	flag.BoolVarP(&autoIncreaseEpoch, "auto-increase-epoch", "q", false, "enable auto-increase-epoch")
	flag.Parse()

	opts.Daemon = daemonize
	opts.AutoIncreaseEpoch = autoIncreaseEpoch
	_ = foreground // foreground is the CLI's default posture; daemonize is the only state that changes behavior here
	_ = logConfig  // glog owns its own flags (-log_dir, -v, ...); this flag exists for source-compatibility with the original CLI surface

	d := pfsd.New(opts)
	if err := d.Start(); err != nil {
		glog.Errorf("pfsd: start failed: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	glog.Infof("pfsd: shutting down")
	if err := d.Stop(); err != nil {
		glog.Errorf("pfsd: stop failed: %v", err)
		return 1
	}
	d.WaitStop()
	return 0
}
