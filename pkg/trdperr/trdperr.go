// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TRDP result/reply status code table.
package trdperr

import "errors"

// Kind is a closed enumeration of TRDP result codes, carried in the
// *Error values returned by API calls. It is not written to or read from
// the MD reply status field on the wire.
type Kind int

const (
	KindOK Kind = iota
	KindParam
	KindInit
	KindNoInit
	KindTimeout
	KindNoSession
	KindSession
	KindQueueFull
	KindQueueErr
	KindNoPub
	KindNoSub
	KindMemErr
	KindSendErr
	KindRecvErr
	KindIOErr
	KindCRCErr
	KindWireErr
	KindTopoErr
	KindNotSupported
	KindUnknownID
	KindReplyTimeout
	KindReplyNoReply
	KindReplyConfirmTimeout
	KindAppTimeout
	KindNoData
	KindNoListener
)

// CodeMap holds one sentinel error per Kind; Error.Is and Error.Unwrap
// key off this table.
var CodeMap = map[Kind]error{
	KindOK:                  errors.New("trdp: success"),
	KindParam:               errors.New("trdp: parameter error"),
	KindInit:                errors.New("trdp: instance already initialized"),
	KindNoInit:              errors.New("trdp: instance not initialized"),
	KindTimeout:             errors.New("trdp: operation timed out"),
	KindNoSession:           errors.New("trdp: no such session"),
	KindSession:             errors.New("trdp: session error"),
	KindQueueFull:           errors.New("trdp: queue is full"),
	KindQueueErr:            errors.New("trdp: queue error"),
	KindNoPub:               errors.New("trdp: no such publication"),
	KindNoSub:               errors.New("trdp: no such subscription"),
	KindMemErr:              errors.New("trdp: out of memory"),
	KindSendErr:             errors.New("trdp: send failed"),
	KindRecvErr:             errors.New("trdp: receive failed"),
	KindIOErr:               errors.New("trdp: socket I/O error"),
	KindCRCErr:              errors.New("trdp: frame CRC mismatch"),
	KindWireErr:             errors.New("trdp: malformed frame"),
	KindTopoErr:             errors.New("trdp: topocount mismatch"),
	KindNotSupported:        errors.New("trdp: operation not supported"),
	KindUnknownID:           errors.New("trdp: unknown ComID"),
	KindReplyTimeout:        errors.New("trdp: no reply received within the reply timeout"),
	KindReplyNoReply:        errors.New("trdp: replier returned no-reply status"),
	KindReplyConfirmTimeout: errors.New("trdp: confirm not received within the reply timeout"),
	KindAppTimeout:          errors.New("trdp: application did not answer within the reply timeout"),
	KindNoData:              errors.New("trdp: subscription has never received data"),
	KindNoListener:          errors.New("trdp: no such listener"),
}

var (
	ErrParam          = CodeMap[KindParam]
	ErrNoInit         = CodeMap[KindNoInit]
	ErrTimeout        = CodeMap[KindTimeout]
	ErrNoSession      = CodeMap[KindNoSession]
	ErrSession        = CodeMap[KindSession]
	ErrQueueFull      = CodeMap[KindQueueFull]
	ErrNoPub          = CodeMap[KindNoPub]
	ErrNoSub          = CodeMap[KindNoSub]
	ErrCRC            = CodeMap[KindCRCErr]
	ErrWire           = CodeMap[KindWireErr]
	ErrTopo           = CodeMap[KindTopoErr]
	ErrNotSupported   = CodeMap[KindNotSupported]
	ErrReplyTimeout   = CodeMap[KindReplyTimeout]
	ErrConfirmTimeout = CodeMap[KindReplyConfirmTimeout]
	ErrAppTimeout     = CodeMap[KindAppTimeout]
	ErrNoData         = CodeMap[KindNoData]
	ErrNoListener     = CodeMap[KindNoListener]
)

// Error wraps a Kind with call-specific context, while still comparing
// equal (via errors.Is) to the table's sentinel for that Kind.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "pdengine.Publish"
	Err  error  // optional underlying cause
}

func (e *Error) Error() string {
	msg := CodeMap[e.Kind].Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return CodeMap[e.Kind]
}

func (e *Error) Is(target error) bool {
	return target == CodeMap[e.Kind]
}

// New builds an *Error for op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}
