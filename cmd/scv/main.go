// Package main is the shard server (SCV) entry point.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/siegetank/scv/api"
	"github.com/siegetank/scv/api/env"
	"github.com/siegetank/scv/cmn"
	"github.com/siegetank/scv/cmn/cos"
	"github.com/siegetank/scv/cmn/jsp"
	"github.com/siegetank/scv/cmn/nlog"
	"github.com/siegetank/scv/collab/memauth"
	"github.com/siegetank/scv/collab/memcatalog"
	"github.com/siegetank/scv/kv"
	"github.com/siegetank/scv/lease"
	"github.com/siegetank/scv/shard"
	"github.com/siegetank/scv/stats"
)

const svcName = "scv"

// shutdownTimeout bounds how long Shutdown waits for in-flight handlers
// (core/frame, core/checkpoint) to drain before main's cleanup proceeds
// anyway.
const shutdownTimeout = 15 * time.Second

var (
	build      string
	buildtime  string
	configPath string

	Conf = &cmn.Config{}
)

func init() {
	flag.StringVar(&configPath, "config", "", svcName+" configuration file")
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "version" {
		printVer()
		os.Exit(0)
	}
	if len(os.Args) == 2 && strings.Contains(os.Args[1], "help") {
		printVer()
		flag.PrintDefaults()
		os.Exit(0)
	}
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv(env.SCV.ConfDir)
	}
	if configPath != "" {
		if _, err := jsp.LoadMeta(configPath, Conf); err != nil {
			cos.ExitLogf("failed to load configuration from %q: %v", configPath, err)
		}
	}
	applyEnvOverrides(Conf)
	if err := Conf.Init(); err != nil {
		cos.ExitLogf("invalid configuration: %v", err)
	}

	logDir := cos.GetEnvOrDefault(env.SCV.LogDir, Conf.Log.Dir)
	if logDir != "" {
		if err := cos.CreateDir(logDir); err != nil {
			cos.ExitLogf("failed to create log dir %q: %v", logDir, err)
		}
		if err := nlog.SetLogDir(logDir, svcName); err != nil {
			cos.ExitLogf("failed to set up logger: %v", err)
		}
	}
	if Conf.Verbose() {
		nlog.Infof("loaded configuration from %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(Conf.DBPath), 0o755); err != nil {
		cos.ExitLogf("failed to create data dir: %v", err)
	}
	db, err := kv.Open(Conf.DBPath)
	if err != nil {
		cos.ExitLogf("failed to open local database: %v", err)
	}

	s := shard.New(Conf.ShardName, Conf.StreamsDir, db,
		memauth.New(), memcatalog.New(), Conf.H(), Conf.MaxErrorCount)

	if err := s.RecoverOnStartup(); err != nil {
		cos.ExitLogf("crash recovery failed: %v", err)
	}

	st := stats.New(Conf.ShardName)

	if Conf.TickOwner {
		reaper := lease.NewReaper(Conf.TickPeriod(), func(streamID string) error {
			return s.Deactivate(streamID, true)
		})
		reaper.OnReap = func(string) { st.LeaseReaped.Inc() }
		s.Reaper = reaper
		go reaper.Run(db, nil)
	}

	nlog.Infof("Version %s (build %s), shard %s", cmn.VersionSCV+"."+build, buildtime, Conf.ShardName)

	srv := &http.Server{
		Addr:    Conf.ListenAddr,
		Handler: api.New(s, st, Conf.RouterAddrs),
	}
	installSignalHandler(s, srv)

	err = srv.ListenAndServe()

	nlog.Flush()
	_ = db.Close()
	if err != nil && err != http.ErrServerClosed {
		cos.ExitLogf("server failed: %v", err)
	}
}

func applyEnvOverrides(c *cmn.Config) {
	if v := os.Getenv(env.SCV.ShardName); v != "" {
		c.ShardName = v
	}
	if v := os.Getenv(env.SCV.StreamsDir); v != "" {
		c.StreamsDir = v
	}
	if v := os.Getenv(env.SCV.ListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(env.SCV.RouterAddrs); v != "" {
		c.RouterAddrs = strings.Split(v, ",")
	}
}

// installSignalHandler stops the lease tick and drains in-flight handlers
// via srv.Shutdown on SIGINT/SIGTERM (spec.md §2 item 6), letting main's
// post-ListenAndServe cleanup (nlog.Flush, db.Close) run afterward.
func installSignalHandler(s *shard.Shard, srv *http.Server) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(ctx, srv); err != nil {
			nlog.Errorf("shutdown: %v", err)
		}
	}()
}

func printVer() {
	fmt.Printf("version %s (build %s)\n", cmn.VersionSCV+"."+build, buildtime)
}
