package serve

import (
	"testing"

	"github.com/ValentinKolb/dPref/rpc/common"
)

func TestParseShards(t *testing.T) {
	shards, err := parseShards("100=memory, 200=sqlite")
	if err != nil {
		t.Fatalf("parseShards failed: %v", err)
	}
	want := []common.ServerShard{
		{ShardID: 100, Type: common.ShardTypeMemory},
		{ShardID: 200, Type: common.ShardTypeSQLite},
	}
	if len(shards) != len(want) {
		t.Fatalf("Expected %d shards, got %d", len(want), len(shards))
	}
	for i := range want {
		if shards[i] != want[i] {
			t.Errorf("shard %d: expected %+v, got %+v", i, want[i], shards[i])
		}
	}

	for _, invalid := range []string{"", "100", "x=memory", "100=lstore", "100=memory=1"} {
		if _, err := parseShards(invalid); err == nil {
			t.Errorf("Expected error for %q", invalid)
		}
	}
}
