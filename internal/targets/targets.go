package targets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethereum/go-ethereum/common"
)

// Provider 定义候选目标检索的通用接口。
type Provider interface {
	Candidates(tag string) []Profile
	Lookup(address common.Address) (Profile, bool)
}

// Profile 描述目录中的一个候选档案：关注与奖励动作的可选目标。
type Profile struct {
	Address  string   `yaml:"address" json:"address"`
	Name     string   `yaml:"name" json:"name"`
	Tags     []string `yaml:"tags" json:"tags,omitempty"`
	Priority int      `yaml:"priority" json:"priority"`
}

// Catalog 通过加载 YAML 文件提供静态目标检索能力。
type Catalog struct {
	items      []Profile
	byAddress  map[common.Address]Profile
	maxResults int
}

// NewCatalog 创建静态目标目录实例。地址不合法的条目会被丢弃。
func NewCatalog(items []Profile, maxResults int) *Catalog {
	if maxResults <= 0 {
		maxResults = 3
	}
	kept := make([]Profile, 0, len(items))
	byAddress := make(map[common.Address]Profile, len(items))
	for _, item := range items {
		if !common.IsHexAddress(item.Address) {
			continue
		}
		kept = append(kept, item)
		byAddress[common.HexToAddress(item.Address)] = item
	}
	// 高优先级排前，同级保持文件顺序。
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Priority > kept[j].Priority
	})
	return &Catalog{
		items:      kept,
		byAddress:  byAddress,
		maxResults: maxResults,
	}
}

// Load 从 YAML 文件加载目标条目。
func Load(path string, maxResults int) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("目标目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析目标目录路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取目标目录文件失败: %w", err)
	}

	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析目标目录文件失败: %w", err)
	}

	return NewCatalog(doc.Profiles, maxResults), nil
}

// Candidates 按标签筛选候选档案，tag 为空时按优先级返回全量头部。
func (c *Catalog) Candidates(tag string) []Profile {
	if c == nil {
		return nil
	}
	tag = strings.ToLower(strings.TrimSpace(tag))

	results := make([]Profile, 0, c.maxResults)
	for _, item := range c.items {
		if tag == "" || hasTag(item, tag) {
			results = append(results, item)
			if len(results) >= c.maxResults {
				break
			}
		}
	}
	return results
}

// Lookup 按地址查找候选档案。
func (c *Catalog) Lookup(address common.Address) (Profile, bool) {
	if c == nil {
		return Profile{}, false
	}
	item, ok := c.byAddress[address]
	return item, ok
}

// Size 返回目录中的有效条目数。
func (c *Catalog) Size() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

func hasTag(item Profile, tag string) bool {
	for _, t := range item.Tags {
		if strings.ToLower(strings.TrimSpace(t)) == tag {
			return true
		}
	}
	return false
}

// Ensure Catalog 实现 Provider 接口。
var _ Provider = (*Catalog)(nil)
