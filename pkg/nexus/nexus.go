// Package nexus provides the public API for embedding the session runtime.
// This is the stable API for external consumers.
package nexus

import (
	"github.com/tjfontaine/nexus-session/internal/config"
	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/runtime"
	"github.com/tjfontaine/nexus-session/internal/session"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

// Runtime wires the backend client, journal, change bus, session
// controller and HTTP surface. See internal/runtime.Runtime.
type Runtime = runtime.Runtime

// Option is a functional option for configuring a Runtime.
type Option = runtime.Option

// Controller drives one analysis session at a time.
type Controller = session.Controller

// Snapshot is the observable session state.
type Snapshot = session.Snapshot

// Config is the layered runtime configuration.
type Config = config.Config

// Source is a file offered for upload.
type Source = upload.Source

// Failure is the typed failure returned by session entry points.
type Failure = domain.Failure

// New creates a new Runtime with the given options.
// Example:
//
//	rt, err := nexus.New(
//	    nexus.WithConfigFile("nexus.yaml"),
//	    nexus.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	WithConfig     = runtime.WithConfig
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger
	WithBackend    = runtime.WithBackend
	WithJournal    = runtime.WithJournal
	WithServerAddr = runtime.WithServerAddr
)

// LoadConfig loads the configuration from path, defaults and NEXUS_
// environment variables.
var LoadConfig = config.Load

// FromPath builds a Source for a file on disk.
var FromPath = upload.FromPath
