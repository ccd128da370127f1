package payment

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentMarket-Relay/internal/errors"
)

// TokenRule 描述一种代币的收款约束。
// 金额上下限为十进制字符串，按 Decimals 解析。
type TokenRule struct {
	Decimals         int               `yaml:"decimals"`
	MinAmount        string            `yaml:"min_amount"`
	MaxAmount        string            `yaml:"max_amount"`
	MinConfirmations uint64            `yaml:"min_confirmations"`
	Networks         map[string]string `yaml:"networks"`
}

// Guardrails 是支付守卫的风控配置。
type Guardrails struct {
	FeeBps int64                `yaml:"fee_bps"`
	Tokens map[string]TokenRule `yaml:"tokens"`
}

// LoadGuardrails 从 YAML 文件加载风控配置。
func LoadGuardrails(path string) (*Guardrails, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取风控配置失败")
	}

	var cfg Guardrails
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析风控配置失败")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultGuardrails 返回内置的风控配置，主要用于测试。
func DefaultGuardrails() *Guardrails {
	cfg := &Guardrails{
		Tokens: map[string]TokenRule{
			"USDC": {
				Decimals:         6,
				MinConfirmations: 3,
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (g *Guardrails) applyDefaults() {
	if g.FeeBps <= 0 {
		g.FeeBps = 250
	}
	for symbol, rule := range g.Tokens {
		if rule.Decimals <= 0 {
			rule.Decimals = 18
		}
		if rule.MinConfirmations == 0 {
			rule.MinConfirmations = 1
		}
		g.Tokens[symbol] = rule
	}
}

// Rule 返回代币的风控规则，未配置的代币视为不支持。
func (g *Guardrails) Rule(token string) (TokenRule, bool) {
	rule, ok := g.Tokens[strings.ToUpper(strings.TrimSpace(token))]
	return rule, ok
}

// Contract 返回代币在指定网络上的合约地址。
func (r TokenRule) Contract(network string) (string, bool) {
	addr, ok := r.Networks[strings.ToLower(strings.TrimSpace(network))]
	if !ok || addr == "" {
		return "", false
	}
	return strings.ToLower(addr), true
}
