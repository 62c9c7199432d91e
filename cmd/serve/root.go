package serve

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cmdUtil "github.com/ValentinKolb/dPref/cmd/util"
	"github.com/ValentinKolb/dPref/rpc/common"
	"github.com/ValentinKolb/dPref/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dPref server",
		Long:    `Start the dPref server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DPREF_<flag> (e.g. DPREF_DATA_DIR=/var/lib/dpref)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "shards"
	ServeCmd.PersistentFlags().String(key, "100=memory", cmdUtil.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is one of: memory, sqlite"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory of the sqlite databases (shard-<id>.db)"))

	key = "poll-interval"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("How often the server reads the change log of sqlite shards (in milliseconds). Writes of other processes on the same file are noticed with this delay"))

	key = "changelog-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultChangeLogSize, cmdUtil.WrapString("How many change records are kept per shard. Clients that fall further behind miss events"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	shards, err := parseShards(viper.GetString("shards"))
	if err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Shards = shards
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.PollIntervalMillis = viper.GetInt("poll-interval")
	serveCmdConfig.ChangeLogSize = viper.GetInt("changelog-size")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// parseShards parses a list of shards in the format ID=TYPE,ID=TYPE
func parseShards(shardsConfig string) ([]common.ServerShard, error) {
	var shards []common.ServerShard
	for _, shardConfig := range strings.Split(shardsConfig, ",") {
		parts := strings.Split(shardConfig, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}

		// Parse shard ID
		shardID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", parts[0], err)
		}

		// Parse shard type
		shardType, err := common.ParseShardType(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}

		shards = append(shards, common.ServerShard{
			ShardID: shardID,
			Type:    shardType,
		})
	}
	return shards, nil
}

// run starts the dPref server and stops it on SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv, err := server.NewRPCServer(*serveCmdConfig, t, s)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(serv.Serve)
	g.Go(func() error {
		server.WaitForSignal(ctx)
		server.Logger.Infof("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return serv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
