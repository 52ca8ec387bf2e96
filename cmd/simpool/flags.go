package main

import "time"

// Flag structs decouple cobra from command logic so handlers can be tested directly.

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type AllocateFlags struct {
	APIFlags
	DeviceType string
	Family     string
	OSVersion  string
	Locale     string
	Scale      string
	Options    string
	Boot       bool
}

// UDIDFlags is shared by free, boot, shutdown and resync
type UDIDFlags struct {
	APIFlags
	UDID  string
	Token string
}

type ListFlags struct {
	APIFlags
	Set string
}

type HistoryFlags struct {
	APIFlags
	UDID  string
	Since uint64
}

type PrewarmFlags struct {
	APIFlags
	DeviceType string
	Family     string
	OSVersion  string
	Count      int
}
