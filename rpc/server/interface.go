package server

import (
	"github.com/ValentinKolb/dPref/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request against a shard.
	// If an error occurs, it is set in the response
	Handle(req *common.Message, shard *Shard) (resp *common.Message)
}
