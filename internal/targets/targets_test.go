package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const sampleYAML = `profiles:
  - address: "0x1111111111111111111111111111111111111111"
    name: creator-one
    tags: [creator, active]
    priority: 1
  - address: "0x2222222222222222222222222222222222222222"
    name: collector-two
    tags: [collector]
    priority: 5
  - address: "not-an-address"
    name: broken
    tags: [creator]
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write sample failed: %v", err)
	}
	return path
}

func TestLoadDropsInvalidAddresses(t *testing.T) {
	catalog, err := Load(writeSample(t), 10)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if catalog.Size() != 2 {
		t.Fatalf("expected 2 valid profiles, got %d", catalog.Size())
	}
}

func TestCandidatesOrderedByPriority(t *testing.T) {
	catalog, err := Load(writeSample(t), 10)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	all := catalog.Candidates("")
	if len(all) != 2 || all[0].Name != "collector-two" {
		t.Fatalf("expected priority ordering, got %+v", all)
	}

	creators := catalog.Candidates("creator")
	if len(creators) != 1 || creators[0].Name != "creator-one" {
		t.Fatalf("tag filter failed: %+v", creators)
	}
}

func TestLookupByAddress(t *testing.T) {
	catalog, err := Load(writeSample(t), 10)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	item, ok := catalog.Lookup(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	if !ok || item.Name != "collector-two" {
		t.Fatalf("lookup failed: %+v %v", item, ok)
	}
	if _, ok := catalog.Lookup(common.HexToAddress("0x3333333333333333333333333333333333333333")); ok {
		t.Fatalf("unknown address should miss")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), 3); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
