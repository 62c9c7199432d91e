package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/rpc/common"
)

const (
	defaultChangesPerRequest = 256
	maxChangesPerRequest     = 1024
	changeLogWaitTimeout     = 2 * time.Second
)

func NewIStorageServerAdapter() IRPCServerAdapter {
	return &iStorageServerAdapterImpl{}
}

type iStorageServerAdapterImpl struct{}

func (adapter *iStorageServerAdapterImpl) Handle(req *common.Message, shard *Shard) *common.Message {
	if shard == nil {
		return common.NewErrorResponse("handler: shard is nil")
	}

	switch req.MsgType {
	case common.MsgTGet, common.MsgTSet, common.MsgTRemove:
		s, err := shard.Session(req.Session)
		if err != nil {
			return common.NewErrorResponse(err.Error())
		}
		resp := adapter.handleStorage(req, s)
		if resp.Revision > 0 && resp.Err == "" {
			adapter.awaitChangeLog(shard, resp.Revision)
		}
		return resp
	case common.MsgTChanges:
		limit := int(req.Limit)
		if limit <= 0 {
			limit = defaultChangesPerRequest
		}
		records, next, complete := shard.Changes.Since(req.Cursor, min(limit, maxChangesPerRequest))
		return common.NewChangesResponse(records, next, complete, shard.Changes.Epoch(), nil)
	case common.MsgTHead:
		seq, rev := shard.Changes.Head()
		return common.NewHeadResponse(seq, rev, shard.Changes.Epoch(), nil)
	case common.MsgTOpenSession:
		id, err := shard.OpenSession()
		return common.NewOpenSessionResponse(id, err)
	case common.MsgTCloseSession:
		return common.NewCloseSessionResponse(shard.CloseSession(req.Session))
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC IStorageAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// handleStorage runs a Get, Set or Remove request against a handle of the medium
func (adapter *iStorageServerAdapterImpl) handleStorage(req *common.Message, s storage.IStorage) *common.Message {
	switch req.MsgType {
	case common.MsgTGet:
		val, ok, rev, err := s.Get(req.Key)
		return common.NewGetResponse(val, ok, rev, err)
	case common.MsgTSet:
		value := req.Value
		if value == nil {
			// some serializers drop empty values
			value = []byte{}
		}
		rev, err := s.Set(req.Key, value)
		return common.NewSetResponse(rev, err)
	case common.MsgTRemove:
		rev, err := s.Remove(req.Key)
		return common.NewRemoveResponse(rev, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC IStorageAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// awaitChangeLog blocks until a write is in the change log of the shard. A client that
// subscribes after a write returned never receives that write as a new event.
func (adapter *iStorageServerAdapterImpl) awaitChangeLog(shard *Shard, revision uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), changeLogWaitTimeout)
	defer cancel()
	if err := shard.Changes.WaitForRevision(ctx, revision); err != nil {
		Logger.Warningf("shard %d: revision %d not in change log after %s", shard.ID, revision, changeLogWaitTimeout)
	}
}
