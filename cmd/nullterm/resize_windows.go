//go:build windows

package main

import "github.com/codefionn/nullterm/internal/pty"

func watchResize(*pty.Handle) func() { return func() {} }
