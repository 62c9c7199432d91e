// Package cmd implements the command-line interface of dPref. It provides a
// hierarchical command structure to run the server and to work with preferences
// as a client.
//
// The package is organized into several subpackages:
//
//   - pref: Commands for preference operations (get, set, reset, list, watch, perf)
//   - serve: Commands for starting and configuring the dPref server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable DPREF_<FLAG> (e.g. DPREF_LOG_LEVEL),
// .env and .env.local in the working directory are loaded on start.
//
// See dpref -help for a list of all commands.
package cmd
