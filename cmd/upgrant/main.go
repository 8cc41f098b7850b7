package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"UPAgent-Chain/internal/config"
	"UPAgent-Chain/internal/permission"
	"UPAgent-Chain/internal/web3"
	"UPAgent-Chain/internal/web3/provider"
	"UPAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const setDataBatchABI = `[{"inputs":[{"internalType":"bytes32[]","name":"dataKeys","type":"bytes32[]"},{"internalType":"bytes[]","name":"dataValues","type":"bytes[]"}],"name":"setDataBatch","outputs":[],"stateMutability":"payable","type":"function"}]`

// main 是授权工具的入口：为代理控制器生成并可选提交 LSP6 授权。
func main() {
	configPath := flag.String("config", filepath.Join("configs", "upagent.json"), "配置文件路径")
	controller := flag.String("controller", "", "被授权的控制器地址")
	profileFlag := flag.String("profile", "", "档案地址，缺省使用配置中的 profile_address")
	allow := flag.String("allow", "", "放行的合约调用，格式 contract=signature，多条用逗号分隔")
	submit := flag.Bool("submit", false, "直接提交交易，缺省只打印 calldata")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *controller, *profileFlag, *allow, *submit); err != nil {
		log.Fatalf("upgrant 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath, controller, profileFlag, allow string, submit bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !common.IsHexAddress(controller) {
		return fmt.Errorf("controller 地址不合法: %q", controller)
	}

	profileHex := profileFlag
	if profileHex == "" {
		profileHex = cfg.Web3.ProfileAddress
	}
	if !common.IsHexAddress(profileHex) {
		return fmt.Errorf("profile 地址不合法: %q", profileHex)
	}
	profile := common.HexToAddress(profileHex)

	targets, err := parseCallTargets(allow)
	if err != nil {
		return err
	}
	if allow == "" {
		targets = defaultCallTargets(cfg)
	}

	batch, err := permission.Grant(common.HexToAddress(controller), targets)
	if err != nil {
		return err
	}

	parsed, err := abi.JSON(strings.NewReader(setDataBatchABI))
	if err != nil {
		return err
	}
	data, err := parsed.Pack("setDataBatch", batch.Keys, batch.Values)
	if err != nil {
		return err
	}

	if !submit {
		fmt.Printf("to: %s\ndata: %s\n", profile.Hex(), hexutil.Encode(data))
		return nil
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		return err
	}

	txHash, err := client.Submit(ctx, web3.SubmitRequest{To: profile, Data: data})
	if err != nil {
		return err
	}
	fmt.Printf("tx: %s\n", txHash.Hex())

	receipt, err := client.WaitReceipt(ctx, txHash, cfg.Executor.ConfirmTimeout())
	if err != nil {
		return err
	}
	if receipt.Status == 0 {
		return fmt.Errorf("授权交易被回滚: %s", receipt.RevertReason)
	}
	fmt.Printf("confirmed in block %d\n", receipt.BlockNumber)
	return nil
}

// defaultCallTargets 按配置生成缺省放行列表：奖励代币的 LSP7 转账
// 与徽章代币的 LSP8 转账。未配置的条目跳过。
func defaultCallTargets(cfg *config.Config) []permission.CallTarget {
	var targets []permission.CallTarget
	if common.IsHexAddress(cfg.Web3.RewardToken) {
		targets = append(targets, permission.CallTarget{
			Contract:  common.HexToAddress(cfg.Web3.RewardToken),
			Signature: "transfer(address,address,uint256,bool,bytes)",
		})
	}
	if common.IsHexAddress(cfg.Web3.BadgeToken) {
		targets = append(targets, permission.CallTarget{
			Contract:  common.HexToAddress(cfg.Web3.BadgeToken),
			Signature: "transfer(address,address,bytes32,bool,bytes)",
		})
	}
	return targets
}

// parseCallTargets 解析 contract=signature 形式的放行列表。
func parseCallTargets(allow string) ([]permission.CallTarget, error) {
	allow = strings.TrimSpace(allow)
	if allow == "" {
		return nil, nil
	}

	var targets []permission.CallTarget
	for _, entry := range strings.Split(allow, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) || parts[1] == "" {
			return nil, fmt.Errorf("放行条目格式不合法: %q", entry)
		}
		targets = append(targets, permission.CallTarget{
			Contract:  common.HexToAddress(parts[0]),
			Signature: parts[1],
		})
	}
	return targets, nil
}
