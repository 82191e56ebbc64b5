// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/open-source-firmware/trdp-go/pkg/stats"
	"github.com/open-source-firmware/trdp-go/pkg/trdp"
)

var (
	hostIP   = flag.String("host-ip", "", "Local IP to bind the session's PD/MD sockets to")
	listen   = flag.String("listen", ":9273", "Address to serve /metrics on")
	interval = flag.Duration("interval", 10*time.Millisecond, "Session scheduler tick interval")
)

// metricsHandler gathers a Collector's current snapshot and serializes it
// the same way outputMetrics does, through a PedanticRegistry and
// expfmt.MetricFamilyToText, but per-request over HTTP rather than once to
// stdout.
func metricsHandler(col *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := prometheus.NewPedanticRegistry()
		if err := reg.Register(col); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mfs, err := reg.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				log.Printf("encode metric family: %v", err)
				return
			}
		}
	}
}

func main() {
	flag.Parse()

	sess, err := trdp.NewSession(trdp.WithHostIP(*hostIP))
	if err != nil {
		log.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	col := stats.NewCollector(sess.Stats())

	go func() {
		if err := sess.Run(context.Background(), *interval); err != nil {
			log.Printf("session run stopped: %v", err)
		}
	}()

	http.Handle("/metrics", metricsHandler(col))
	log.Printf("serving TRDP statistics on %s/metrics", *listen)
	log.Fatal(http.ListenAndServe(*listen, nil))
}
