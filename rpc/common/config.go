package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ShardType selects the medium a shard serves
type ShardType string

const (
	ShardTypeMemory ShardType = "memory" // in-process medium, lost on restart
	ShardTypeSQLite ShardType = "sqlite" // sqlite file <data-dir>/shard-<id>.db
)

// ParseShardType converts a string to a ShardType
func ParseShardType(s string) (ShardType, error) {
	switch t := ShardType(strings.ToLower(strings.TrimSpace(s))); t {
	case ShardTypeMemory, ShardTypeSQLite:
		return t, nil
	default:
		return "", fmt.Errorf("invalid shard type %q, must be one of %s, %s", s, ShardTypeMemory, ShardTypeSQLite)
	}
}

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type is the medium behind the shard
	Type ShardType
}

// DefaultChangeLogSize is the number of change records a shard keeps for polling clients
const DefaultChangeLogSize = 4096

// ServerConfig holds all configuration parameters of a dPref server.
type ServerConfig struct {
	Shards []ServerShard

	// Storage settings
	DataDir            string
	PollIntervalMillis int // how often sqlite shards read their change log
	ChangeLogSize      int // change records kept per shard (0 = DefaultChangeLogSize)

	// HTTP api settings
	Endpoint      string
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Poll Interval", fmt.Sprintf("%d ms", c.PollIntervalMillis))
	addField("Change Log Size", strconv.Itoa(c.ChangeLogSize))

	addSection("Shards")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints          []string
	TimeoutSecond      int
	RetryCount         int
	PollIntervalMillis int    // how often a subscribed client polls the change log
	MaxChangesPerPoll  uint32 // change records requested per poll (0 = 256)
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Poll Interval", fmt.Sprintf("%d ms", c.PollIntervalMillis))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
