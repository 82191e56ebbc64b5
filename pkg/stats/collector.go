// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Counters set as a prometheus.Collector, one Desc
// per counter family, building its []prometheus.Metric from ConstMetric
// snapshots rather than registering live gauges/counters.
type Collector struct {
	c *Counters
}

func NewCollector(c *Counters) *Collector {
	return &Collector{c: c}
}

var (
	descPDSub      = prometheus.NewDesc("trdp_pd_subscriptions", "Current number of PD subscriptions", nil, nil)
	descPDPub      = prometheus.NewDesc("trdp_pd_publications", "Current number of PD publications", nil, nil)
	descPDRcv      = prometheus.NewDesc("trdp_pd_received_total", "PD frames accepted", nil, nil)
	descPDCRCErr   = prometheus.NewDesc("trdp_pd_crc_errors_total", "PD frames dropped for header CRC mismatch", nil, nil)
	descPDProtoErr = prometheus.NewDesc("trdp_pd_protocol_errors_total", "PD frames dropped for protocol violations", nil, nil)
	descPDTopoErr  = prometheus.NewDesc("trdp_pd_topo_errors_total", "PD frames dropped for topocount mismatch", nil, nil)
	descPDNoSub    = prometheus.NewDesc("trdp_pd_no_subscriber_total", "PD frames with no matching subscription", nil, nil)
	descPDNoPub    = prometheus.NewDesc("trdp_pd_no_publisher_total", "PULL requests with no matching publication", nil, nil)
	descPDTimeout  = prometheus.NewDesc("trdp_pd_subscription_timeouts_total", "Subscriptions that have raised their timeout flag", nil, nil)
	descPDSend     = prometheus.NewDesc("trdp_pd_sent_total", "PD frames sent", nil, nil)

	descMDListeners    = prometheus.NewDesc("trdp_md_listeners", "Current number of MD listeners", []string{"transport"}, nil)
	descMDRcv          = prometheus.NewDesc("trdp_md_received_total", "MD frames accepted", []string{"transport"}, nil)
	descMDCRCErr       = prometheus.NewDesc("trdp_md_crc_errors_total", "MD frames dropped for header CRC mismatch", []string{"transport"}, nil)
	descMDProtoErr     = prometheus.NewDesc("trdp_md_protocol_errors_total", "MD frames dropped for protocol violations", []string{"transport"}, nil)
	descMDTopoErr      = prometheus.NewDesc("trdp_md_topo_errors_total", "MD frames dropped for topocount mismatch", []string{"transport"}, nil)
	descMDNoListener   = prometheus.NewDesc("trdp_md_no_listener_total", "MD requests with no matching listener", []string{"transport"}, nil)
	descMDReplyTimeout = prometheus.NewDesc("trdp_md_reply_timeouts_total", "MD sessions that ended in REPLY_TIMEOUT", []string{"transport"}, nil)
	descMDConfirmTO    = prometheus.NewDesc("trdp_md_confirm_timeouts_total", "MD sessions that ended in CONFIRM_TIMEOUT", []string{"transport"}, nil)
	descMDSend         = prometheus.NewDesc("trdp_md_sent_total", "MD frames sent", []string{"transport"}, nil)
)

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descPDSub, descPDPub, descPDRcv, descPDCRCErr, descPDProtoErr,
		descPDTopoErr, descPDNoSub, descPDNoPub, descPDTimeout, descPDSend,
		descMDListeners, descMDRcv, descMDCRCErr, descMDProtoErr, descMDTopoErr,
		descMDNoListener, descMDReplyTimeout, descMDConfirmTO, descMDSend,
	} {
		ch <- d
	}
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	col.c.mu.Lock()
	pd := col.c.pd
	mdUDP := col.c.mdUDP
	mdTCP := col.c.mdTCP
	col.c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(descPDSub, prometheus.GaugeValue, float64(pd.NumSub))
	ch <- prometheus.MustNewConstMetric(descPDPub, prometheus.GaugeValue, float64(pd.NumPub))
	ch <- prometheus.MustNewConstMetric(descPDRcv, prometheus.CounterValue, float64(pd.NumRcv))
	ch <- prometheus.MustNewConstMetric(descPDCRCErr, prometheus.CounterValue, float64(pd.NumCRCErr))
	ch <- prometheus.MustNewConstMetric(descPDProtoErr, prometheus.CounterValue, float64(pd.NumProtErr))
	ch <- prometheus.MustNewConstMetric(descPDTopoErr, prometheus.CounterValue, float64(pd.NumTopoErr))
	ch <- prometheus.MustNewConstMetric(descPDNoSub, prometheus.CounterValue, float64(pd.NumNoSub))
	ch <- prometheus.MustNewConstMetric(descPDNoPub, prometheus.CounterValue, float64(pd.NumNoPub))
	ch <- prometheus.MustNewConstMetric(descPDTimeout, prometheus.CounterValue, float64(pd.NumTimeout))
	ch <- prometheus.MustNewConstMetric(descPDSend, prometheus.CounterValue, float64(pd.NumSend))

	for transport, m := range map[string]MD{"udp": mdUDP, "tcp": mdTCP} {
		ch <- prometheus.MustNewConstMetric(descMDListeners, prometheus.GaugeValue, float64(m.NumListeners), transport)
		ch <- prometheus.MustNewConstMetric(descMDRcv, prometheus.CounterValue, float64(m.NumRcv), transport)
		ch <- prometheus.MustNewConstMetric(descMDCRCErr, prometheus.CounterValue, float64(m.NumCRCErr), transport)
		ch <- prometheus.MustNewConstMetric(descMDProtoErr, prometheus.CounterValue, float64(m.NumProtErr), transport)
		ch <- prometheus.MustNewConstMetric(descMDTopoErr, prometheus.CounterValue, float64(m.NumTopoErr), transport)
		ch <- prometheus.MustNewConstMetric(descMDNoListener, prometheus.CounterValue, float64(m.NumNoListener), transport)
		ch <- prometheus.MustNewConstMetric(descMDReplyTimeout, prometheus.CounterValue, float64(m.NumReplyTimeout), transport)
		ch <- prometheus.MustNewConstMetric(descMDConfirmTO, prometheus.CounterValue, float64(m.NumConfirmTO), transport)
		ch <- prometheus.MustNewConstMetric(descMDSend, prometheus.CounterValue, float64(m.NumSend), transport)
	}
}
