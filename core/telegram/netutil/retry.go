// Package netutil classifies network failures seen while talking to Telegram.
package netutil

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// DialFailure reports errors raised before any byte reached the server:
// refused or failed dials and temporary DNS failures. Such requests are safe
// to resend even when they are not idempotent.
func DialFailure(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout)
}

// Transient reports network errors that may succeed on a later attempt:
// dial failures, timeouts, resets and connections dropped mid-response.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if DialFailure(err) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
		return Transient(urlErr.Err)
	}
	return false
}
