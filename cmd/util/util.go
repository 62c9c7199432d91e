package util

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/lib/storage/mstorage"
	"github.com/ValentinKolb/dPref/lib/storage/sqlstorage"
	"github.com/ValentinKolb/dPref/rpc/client"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/ValentinKolb/dPref/rpc/serializer"
	"github.com/ValentinKolb/dPref/rpc/transport"
	"github.com/ValentinKolb/dPref/rpc/transport/http"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the env files, configures viper and sets the log level.
// The format of the environment variables is DPREF_<flag> (e.g. DPREF_LOG_LEVEL=debug)
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dpref")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "%v, using info\n", err)
		_ = common.InitLoggers("info")
	}
}

// SetupStorageFlags adds the flags that select and configure the storage medium of a command
func SetupStorageFlags(cmd *cobra.Command) {
	key := "storage"
	cmd.PersistentFlags().String(key, "rpc", WrapString("The medium to use: rpc (a dPref server), sqlite (a local database file) or memory (shared by the handles of one command, lost when it exits)"))

	key = "db"
	cmd.PersistentFlags().String(key, "dpref.db", WrapString("Path of the database file (only for sqlite)"))

	key = "shard"
	cmd.PersistentFlags().Int(key, 100, WrapString("ID of the shard to connect to (only for rpc)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "http://localhost:8080", WrapString("The address of the dPref server. Multiple endpoints can be specified as a comma-separated list"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry the request"))

	key = "poll-interval"
	cmd.PersistentFlags().Int(key, 100, WrapString("How often change events are polled (in milliseconds, for rpc and sqlite)"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		Endpoints:          strings.Split(viper.GetString("transport-endpoints"), ","),
		TimeoutSecond:      viper.GetInt("timeout"),
		RetryCount:         viper.GetInt("transport-retries"),
		PollIntervalMillis: viper.GetInt("poll-interval"),
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransport creates the client transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// memoryMedium is shared by all memory handles of the process
var memoryMedium = sync.OnceValue(mstorage.NewMedium)

// GetShardID retrieves the configured shard ID
func GetShardID() uint64 {
	return uint64(viper.GetInt("shard"))
}

// OpenStorage opens a handle on the configured medium
func OpenStorage() (storage.IStorage, error) {
	switch viper.GetString("storage") {
	case "rpc":
		s, err := GetSerializer()
		if err != nil {
			return nil, err
		}
		t, err := GetTransport()
		if err != nil {
			return nil, err
		}
		return client.NewRPCStorage(GetShardID(), *GetClientConfig(), t, s)
	case "sqlite":
		return sqlstorage.Open(viper.GetString("db"), &sqlstorage.Options{
			PollInterval: time.Duration(viper.GetInt("poll-interval")) * time.Millisecond,
		})
	case "memory":
		return memoryMedium().Open(), nil
	default:
		return nil, fmt.Errorf("invalid storage %s (expected one of: rpc, sqlite, memory)", viper.GetString("storage"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
