package main

import "time"

// Flag structs decouple cobra from the command logic for testing.
type RunFlags struct {
	Daemonize bool
	LogFile   string
	PIDMarker string
	NoMarker  bool
}

type StatusFlags struct {
	Kind      string
	History   int
	Health    bool
	Reconcile bool
	// status API connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	Insecure   bool
	CACert     string
}

type InitFlags struct {
	Type   string
	Output string
	Force  bool
}

type TokenFlags struct {
	Secret  string
	Subject string
	TTL     time.Duration
}
