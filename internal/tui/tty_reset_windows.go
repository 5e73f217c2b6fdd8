//go:build windows

package tui

func resetTerminal() {}
