package policy

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"UPAgent-Chain/internal/action"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
)

// ArtifactVersion 是策略文件的当前格式版本。
const ArtifactVersion = 1

// Artifact 是训练产出的价值函数：按维度分箱离散化的 Q 表。
// 文件内声明观测/动作维度，加载时与运行配置核对。
// 加载后的 Artifact 在服务期间只读，重训产物需重新加载。
type Artifact struct {
	Version         int
	ObsDims         int
	ActionDims      int
	Bins            int
	Values          []float64
	TrainedEpisodes int
	UpdatedAt       int64
}

// NewArtifact 创建一张零初始化的 Q 表。
func NewArtifact(bins int) *Artifact {
	if bins <= 0 {
		bins = 10
	}
	states := 1
	for i := 0; i < metrics.ObservationDim; i++ {
		states *= bins
	}
	return &Artifact{
		Version:    ArtifactVersion,
		ObsDims:    metrics.ObservationDim,
		ActionDims: action.Count,
		Bins:       bins,
		Values:     make([]float64, states*action.Count),
	}
}

// stateIndex 将观测向量映射到离散状态编号。
func (a *Artifact) stateIndex(obs metrics.Observation) int {
	idx := 0
	for _, v := range obs {
		bin := int(v * float64(a.Bins))
		if bin >= a.Bins {
			bin = a.Bins - 1
		}
		if bin < 0 {
			bin = 0
		}
		idx = idx*a.Bins + bin
	}
	return idx
}

// Value 返回状态-动作对的估值。
func (a *Artifact) Value(obs metrics.Observation, id action.ID) float64 {
	return a.Values[a.stateIndex(obs)*a.ActionDims+int(id)]
}

// greedy 返回估值最高的动作，估值相同取序号较小者以保证确定性。
func (a *Artifact) greedy(obs metrics.Observation) action.ID {
	base := a.stateIndex(obs) * a.ActionDims
	best := action.ID(0)
	bestValue := a.Values[base]
	for i := 1; i < a.ActionDims; i++ {
		if v := a.Values[base+i]; v > bestValue {
			best = action.ID(i)
			bestValue = v
		}
	}
	return best
}

// Save 将策略原子化写入磁盘：先写临时文件再重命名。
func (a *Artifact) Save(path string) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidParameters, "策略文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建策略目录失败")
	}
	a.UpdatedAt = time.Now().Unix()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建策略临时文件失败")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(a); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化策略失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略文件失败")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换策略文件失败")
	}
	return nil
}

// Load 读取并校验策略文件。文件缺失或维度与当前配置不符时
// 返回 POLICY_LOAD_FAILED，调用方不得降级为随机策略。
func Load(path string, expectBins int) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePolicyLoad, err, "策略文件不存在或不可读")
	}
	defer file.Close()

	var art Artifact
	if err := gob.NewDecoder(file).Decode(&art); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePolicyLoad, err, "策略文件解析失败")
	}
	if art.Version != ArtifactVersion {
		return nil, xerrors.New(xerrors.CodePolicyLoad,
			fmt.Sprintf("策略文件版本不兼容: %d", art.Version))
	}
	if art.ObsDims != metrics.ObservationDim || art.ActionDims != action.Count {
		return nil, xerrors.New(xerrors.CodePolicyLoad,
			fmt.Sprintf("策略维度与环境不一致: obs=%d action=%d", art.ObsDims, art.ActionDims))
	}
	if expectBins > 0 && art.Bins != expectBins {
		return nil, xerrors.New(xerrors.CodePolicyLoad,
			fmt.Sprintf("策略分箱数与配置不一致: %d != %d", art.Bins, expectBins))
	}
	states := 1
	for i := 0; i < art.ObsDims; i++ {
		states *= art.Bins
	}
	if len(art.Values) != states*art.ActionDims {
		return nil, xerrors.New(xerrors.CodePolicyLoad, "策略取值表长度异常")
	}
	return &art, nil
}

// EpsilonSchedule 描述探索率的衰减曲线：从 Start 按 Decay 系数
// 单调衰减到 Floor，只减不增。
type EpsilonSchedule struct {
	Start float64
	Floor float64
	Decay float64
}

// Session 是一份只读策略的服务句柄。贪心路径（explore=false）
// 不触碰任何可变状态，因此对同一观测是确定性的。
type Session struct {
	art *Artifact

	mu       sync.Mutex
	epsilon  float64
	schedule EpsilonSchedule
	rng      *rand.Rand
}

// NewSession 基于已加载的策略创建会话。
func NewSession(art *Artifact, schedule EpsilonSchedule) *Session {
	return NewSessionWithSeed(art, schedule, time.Now().UnixNano())
}

// NewSessionWithSeed 允许注入随机种子，便于测试。
func NewSessionWithSeed(art *Artifact, schedule EpsilonSchedule, seed int64) *Session {
	if schedule.Decay <= 0 || schedule.Decay > 1 {
		schedule.Decay = 1
	}
	if schedule.Floor < 0 {
		schedule.Floor = 0
	}
	return &Session{
		art:      art,
		epsilon:  schedule.Start,
		schedule: schedule,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Artifact 返回会话持有的策略。
func (s *Session) Artifact() *Artifact {
	return s.art
}

// Epsilon 返回当前探索率。
func (s *Session) Epsilon() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsilon
}

// SelectAction 依据观测选择动作。explore=false 时纯贪心；
// explore=true 时按 ε-greedy 规则选择，并使探索率单调衰减。
func (s *Session) SelectAction(obs metrics.Observation, explore bool) action.ID {
	if !explore {
		return s.art.greedy(obs)
	}

	s.mu.Lock()
	eps := s.epsilon
	next := eps * s.schedule.Decay
	if next < s.schedule.Floor {
		next = s.schedule.Floor
	}
	s.epsilon = next
	roll := s.rng.Float64()
	pick := s.rng.Intn(action.Count)
	s.mu.Unlock()

	if roll < eps {
		return action.ID(pick)
	}
	return s.art.greedy(obs)
}
