package cluster

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexfray/server/internal/config"
	"github.com/hexfray/server/internal/handoff"
)

func TestSingleNodeCluster(t *testing.T) {
	log := zap.NewNop()
	store := handoff.NewStore("solo", func() int { return 1 }, log)

	n, err := Join(config.ClusterConfig{BindAddress: "127.0.0.1:0"}, "solo", store, log)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer n.Leave(time.Second)

	if n.Name() != "solo" {
		t.Fatalf("name = %q", n.Name())
	}
	if n.NumMembers() != 1 {
		t.Fatalf("members = %d, want 1", n.NumMembers())
	}
	members := n.Members()
	if len(members) != 1 || members[0] != "solo" {
		t.Fatalf("members = %v", members)
	}
	if _, ok := n.MemberAddr("solo"); !ok {
		t.Fatal("cannot resolve own address")
	}
	if _, ok := n.MemberAddr("ghost"); ok {
		t.Fatal("resolved a nonexistent member")
	}
}

func TestMemberAddrPrefersNodeMeta(t *testing.T) {
	log := zap.NewNop()
	store := handoff.NewStore("meta", func() int { return 1 }, log)
	store.SetNodeMeta([]byte("10.0.0.9:7101"))

	n, err := Join(config.ClusterConfig{BindAddress: "127.0.0.1:0"}, "meta", store, log)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer n.Leave(time.Second)

	addr, ok := n.MemberAddr("meta")
	if !ok {
		t.Fatal("cannot resolve own address")
	}
	if addr != "10.0.0.9:7101" {
		t.Fatalf("addr = %q, want advertised transport address", addr)
	}
}

func TestJoinRejectsBadBindAddress(t *testing.T) {
	log := zap.NewNop()
	store := handoff.NewStore("x", func() int { return 1 }, log)
	if _, err := Join(config.ClusterConfig{BindAddress: "no-port"}, "x", store, log); err == nil {
		t.Fatal("expected error for unparsable bind address")
	}
}
