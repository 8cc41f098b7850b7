package action

import (
	"errors"
	"math/big"
	"testing"

	xerrors "UPAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

func TestSpecsTable(t *testing.T) {
	table := Specs()
	if len(table) != Count {
		t.Fatalf("unexpected spec count: %d", len(table))
	}
	if table[Post].Name != "Make Post" || table[Follow].Name != "Follow Profile" || table[Reward].Name != "Reward Follower" {
		t.Fatalf("unexpected action names: %+v", table)
	}
	for i, spec := range table {
		if spec.ID != ID(i) {
			t.Fatalf("spec %d carries id %d", i, spec.ID)
		}
	}
}

func TestRewardRequestValidate(t *testing.T) {
	profile := common.HexToAddress("0x1111111111111111111111111111111111111111")
	target := common.HexToAddress("0x2222222222222222222222222222222222222222")

	cases := []struct {
		name    string
		req     RewardRequest
		wantErr bool
	}{
		{"valid", RewardRequest{profile, target, big.NewInt(1)}, false},
		{"missing target", RewardRequest{ProfileAddress: profile, Amount: big.NewInt(1)}, true},
		{"nil amount", RewardRequest{ProfileAddress: profile, Target: target}, true},
		{"zero amount", RewardRequest{profile, target, big.NewInt(0)}, true},
		{"negative amount", RewardRequest{profile, target, big.NewInt(-5)}, true},
	}
	for _, tc := range cases {
		err := tc.req.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.wantErr && xerrors.CodeOf(err) != xerrors.CodeInvalidParameters {
			t.Fatalf("%s: unexpected code %s", tc.name, xerrors.CodeOf(err))
		}
	}
}

func TestBuildRewardRequest(t *testing.T) {
	req, err := Build(Reward, Params{
		Profile:   "0x1111111111111111111111111111111111111111",
		Target:    "0x2222222222222222222222222222222222222222",
		AmountWei: "1000000000000000000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reward, ok := req.(RewardRequest)
	if !ok {
		t.Fatalf("unexpected request type %T", req)
	}
	if reward.Amount.String() != "1000000000000000000" {
		t.Fatalf("unexpected amount: %s", reward.Amount)
	}
	if err := reward.Validate(); err != nil {
		t.Fatalf("validation failed: %v", err)
	}
}

func TestBuildRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		id   ID
		p    Params
	}{
		{"bad profile", Post, Params{Profile: "not-an-address", ContentCID: "ipfs://cid"}},
		{"bad target", Follow, Params{Profile: "0x1111111111111111111111111111111111111111", Target: "0xZZ"}},
		{"bad amount", Reward, Params{
			Profile:   "0x1111111111111111111111111111111111111111",
			Target:    "0x2222222222222222222222222222222222222222",
			AmountWei: "1.5e18",
		}},
		{"unknown action", ID(7), Params{Profile: "0x1111111111111111111111111111111111111111"}},
	}
	for _, tc := range cases {
		if _, err := Build(tc.id, tc.p); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		} else if !errors.Is(err, xerrors.New(xerrors.CodeInvalidParameters, "")) {
			t.Fatalf("%s: unexpected code %s", tc.name, xerrors.CodeOf(err))
		}
	}
}
