//go:build !test

// SQL drivers are pulled in only by the binary; package tests that need
// one import it themselves.
package main

import "modem-monitor/pkg/kvstore/drivers"

func init() {
	drivers.Ready()
}
