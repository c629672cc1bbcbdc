//go:build !linux

package protocol

func cpuUsage() float64 { return 0 }

func ramUsage() float64 { return 0 }

func diskUsage(string) float64 { return 0 }
