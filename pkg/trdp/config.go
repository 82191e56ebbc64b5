// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trdp

import (
	"log/slog"
	"time"

	"github.com/open-source-firmware/trdp-go/pkg/marshal"
	"github.com/open-source-firmware/trdp-go/pkg/socket"
)

// config holds the defaulted, functional-option-assembled settings for a
// Session: a struct of sane defaults, overridden in place by each Option
// before NewSession opens any socket.
type config struct {
	log            *slog.Logger
	codec          marshal.Codec
	seqs           *Registry
	hostIP         string // bind address for every socket this session opens
	hostname       string
	pdPort         int
	mdPort         int
	dialTimeout    time.Duration
	tcpIdleTimeout time.Duration

	etbTopoCnt   uint32
	opTrnTopoCnt uint32
}

func defaultConfig() *config {
	return &config{
		log:            slog.Default(),
		codec:          marshal.RawCodec{},
		hostname:       defaultHostname(),
		pdPort:         socket.PDPort,
		mdPort:         socket.MDPort,
		dialTimeout:    5 * time.Second,
		tcpIdleTimeout: time.Minute,
	}
}

// Option configures a Session at construction time.
type Option func(*config)

// WithLogger overrides the session's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithCodec installs a non-default marshal.Codec for FLAGS_MARSHALL
// elements.
func WithCodec(codec marshal.Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithRegistry shares a cross-session sequence-counter Registry,
// modeled as an explicit value rather than ambient global state.
func WithRegistry(r *Registry) Option {
	return func(c *config) { c.seqs = r }
}

// WithHostIP sets the local bind address every socket this session opens
// is bound to; "" (the default) binds the wildcard address.
func WithHostIP(ip string) Option {
	return func(c *config) { c.hostIP = ip }
}

// WithPorts overrides the PD and MD UDP/TCP ports, normally
// socket.PDPort/socket.MDPort.
func WithPorts(pdPort, mdPort int) Option {
	return func(c *config) {
		c.pdPort = pdPort
		c.mdPort = mdPort
	}
}

// WithDialTimeout bounds how long an outbound MD TCP dial may block.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithTCPIdleTimeout sets the per-connection deadline after which an idle
// pooled MD TCP connection is closed; 0 disables reaping.
func WithTCPIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.tcpIdleTimeout = d }
}

// WithHostname overrides the host name reported in the statistics
// telegram; defaults to os.Hostname().
func WithHostname(name string) Option {
	return func(c *config) { c.hostname = name }
}

// WithTopoCounts sets the session's initial ETB/operational topocount,
// consulted on every send and receive.
func WithTopoCounts(etbTopoCnt, opTrnTopoCnt uint32) Option {
	return func(c *config) {
		c.etbTopoCnt = etbTopoCnt
		c.opTrnTopoCnt = opTrnTopoCnt
	}
}
