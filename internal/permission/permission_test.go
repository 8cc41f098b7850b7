package permission

import (
	"bytes"
	"encoding/hex"
	"testing"

	xerrors "UPAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	controller = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestGrantDataKeyLayout(t *testing.T) {
	batch, err := Grant(controller, []CallTarget{
		{Contract: token, Signature: "transfer(address,address,uint256,bool,bytes)"},
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if len(batch.Keys) != 2 || len(batch.Values) != 2 {
		t.Fatalf("expected permissions + allowed calls entries, got %d/%d", len(batch.Keys), len(batch.Values))
	}

	wantPermKey := "4b80742de2bf82acb36300001111111111111111111111111111111111111111"
	if got := hex.EncodeToString(batch.Keys[0][:]); got != wantPermKey {
		t.Fatalf("permissions key mismatch:\n got %s\nwant %s", got, wantPermKey)
	}
	wantCallsKey := "4b80742de2bf393a64c700001111111111111111111111111111111111111111"
	if got := hex.EncodeToString(batch.Keys[1][:]); got != wantCallsKey {
		t.Fatalf("allowed calls key mismatch:\n got %s\nwant %s", got, wantCallsKey)
	}
}

func TestGrantPermissionBits(t *testing.T) {
	batch, err := Grant(controller, []CallTarget{
		{Contract: token, Signature: "transfer(address,address,uint256,bool,bytes)"},
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	value := batch.Values[0]
	if len(value) != 32 {
		t.Fatalf("permission value must be 32 bytes, got %d", len(value))
	}
	// SETDATA(1<<18) | CALL(1<<11) = 0x40800。
	want := make([]byte, 32)
	want[29], want[30] = 0x04, 0x08
	if !bytes.Equal(value, want) {
		t.Fatalf("permission bits mismatch: %s", hex.EncodeToString(value))
	}
}

func TestGrantAllowedCallsEntry(t *testing.T) {
	batch, err := Grant(controller, []CallTarget{
		{Contract: token, Signature: "transfer(address,address,uint256,bool,bytes)"},
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	entry := batch.Values[1]
	// 2 字节长度 + 32 字节条目。
	if len(entry) != 34 {
		t.Fatalf("compact bytes array length mismatch: %d", len(entry))
	}
	if entry[0] != 0x00 || entry[1] != 0x20 {
		t.Fatalf("entry length prefix mismatch: %x", entry[:2])
	}
	if !bytes.Equal(entry[6:26], token.Bytes()) {
		t.Fatalf("contract address mismatch: %x", entry[6:26])
	}
	if !bytes.Equal(entry[26:30], []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("interface id should be unrestricted: %x", entry[26:30])
	}
	// 条目尾部只有 4 字节选择器，完整签名不得出现。
	sel := CallTarget{Contract: token, Signature: "transfer(address,address,uint256,bool,bytes)"}.Selector()
	if !bytes.Equal(entry[30:34], sel[:]) {
		t.Fatalf("selector mismatch: %x want %x", entry[30:34], sel)
	}
}

func TestGrantWithoutTargetsIsSetDataOnly(t *testing.T) {
	batch, err := Grant(controller, nil)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if len(batch.Keys) != 1 {
		t.Fatalf("expected a single permissions entry, got %d", len(batch.Keys))
	}
	want := make([]byte, 32)
	want[29] = 0x04
	if !bytes.Equal(batch.Values[0], want) {
		t.Fatalf("expected SETDATA only, got %s", hex.EncodeToString(batch.Values[0]))
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	targets := []CallTarget{
		{Contract: token, Signature: "transfer(address,address,uint256,bool,bytes)"},
		{Contract: controller, Signature: "setDataBatch(bytes32[],bytes[])"},
	}
	first, err := Grant(controller, targets)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	second, err := Grant(controller, targets)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if len(first.Keys) != len(second.Keys) {
		t.Fatalf("entry counts differ")
	}
	for i := range first.Keys {
		if first.Keys[i] != second.Keys[i] || !bytes.Equal(first.Values[i], second.Values[i]) {
			t.Fatalf("grant output not byte identical at entry %d", i)
		}
	}
}

func TestGrantRejectsInvalidInput(t *testing.T) {
	if _, err := Grant(common.Address{}, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidParameters {
		t.Fatalf("zero controller should be rejected, got %v", err)
	}
	if _, err := Grant(controller, []CallTarget{{Contract: token}}); xerrors.CodeOf(err) != xerrors.CodeInvalidParameters {
		t.Fatalf("missing signature should be rejected, got %v", err)
	}
}
