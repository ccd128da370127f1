package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"

	"AgentMarket-Relay/internal/chain"
	"AgentMarket-Relay/internal/envelope"
	xerrors "AgentMarket-Relay/internal/errors"
	"AgentMarket-Relay/internal/ledger"
	"AgentMarket-Relay/internal/order"
	"AgentMarket-Relay/pkg/logger"
)

// Verifier 对照订单报价与风控规则校验链上支付凭证。
type Verifier struct {
	reader chain.Reader
	rules  *Guardrails
}

// NewVerifier 构造 Verifier。
func NewVerifier(reader chain.Reader, rules *Guardrails) *Verifier {
	if rules == nil {
		rules = DefaultGuardrails()
	}
	return &Verifier{reader: reader, rules: rules}
}

// Verify 校验支付凭证并返回链上证明。
// 校验失败返回 PAYMENT_INVALID；确认数不足返回可重试的 PAYMENT_UNCONFIRMED。
func (v *Verifier) Verify(ctx context.Context, ord *order.Order, accept *envelope.AcceptPayload) (*chain.TxProof, error) {
	if ord == nil || ord.Price == nil {
		return nil, xerrors.Wrap(CodePaymentInvalid, nil, "订单缺少报价，无法校验支付")
	}
	if accept == nil {
		return nil, xerrors.Wrap(CodePaymentInvalid, nil, "缺少支付凭证")
	}

	token := strings.ToUpper(strings.TrimSpace(accept.Token))
	rule, ok := v.rules.Rule(token)
	if !ok {
		return nil, invalid(ord.RequestID, "unsupported_token", "不支持的代币: "+token)
	}
	if !strings.EqualFold(ord.Price.Currency, token) {
		return nil, invalid(ord.RequestID, "currency_mismatch",
			"支付代币与报价币种不一致: "+token+" != "+ord.Price.Currency)
	}

	// 买家声明的金额必须与报价一致，防止前端与链上口径不一致时静默放行。
	if strings.TrimSpace(accept.Amount) != "" {
		claimed, err := ledger.ParseAmount(accept.Amount, rule.Decimals)
		if err != nil {
			return nil, invalid(ord.RequestID, "malformed_amount", "支付金额格式不合法: "+err.Error())
		}
		if claimed != ord.Price.Amount {
			return nil, invalid(ord.RequestID, "amount_mismatch", "声明金额与报价不一致")
		}
	}

	if err := v.checkBounds(ord, rule); err != nil {
		return nil, err
	}

	proof, err := v.reader.LookupTransfer(ctx, accept.TxHash)
	if err != nil {
		if stdErrors.Is(err, chain.ErrTxNotFound) {
			return nil, xerrors.Wrap(CodePaymentUnconfirmed, err, "交易尚未上链",
				xerrors.WithMetadata("request_id", ord.RequestID),
				xerrors.WithMetadata("tx_hash", accept.TxHash))
		}
		return nil, err
	}

	if !proof.Success {
		return nil, invalid(ord.RequestID, "tx_failed", "链上交易执行失败")
	}
	if proof.Confirmations < rule.MinConfirmations {
		return nil, xerrors.Wrap(CodePaymentUnconfirmed, nil, "确认数不足",
			xerrors.WithMetadata("request_id", ord.RequestID),
			xerrors.WithMetadata("tx_hash", accept.TxHash))
	}

	network := strings.ToLower(strings.TrimSpace(accept.Network))
	if contract, ok := rule.Contract(network); ok {
		if proof.Contract != contract {
			return nil, invalid(ord.RequestID, "contract_mismatch", "转账合约与代币配置不一致")
		}
	} else if len(rule.Networks) > 0 {
		return nil, invalid(ord.RequestID, "unsupported_network", "代币未在网络 "+network+" 上配置")
	}

	if proof.Amount == nil || proof.Amount.Cmp(big.NewInt(ord.Price.Amount)) != 0 {
		return nil, invalid(ord.RequestID, "amount_mismatch", "链上转账金额与报价不一致")
	}

	proof.Token = token
	if proof.Network == "" {
		proof.Network = network
	}
	return proof, nil
}

func (v *Verifier) checkBounds(ord *order.Order, rule TokenRule) error {
	if rule.MinAmount != "" {
		min, err := ledger.ParseAmount(rule.MinAmount, rule.Decimals)
		if err == nil && ord.Price.Amount < min {
			return invalid(ord.RequestID, "below_minimum", "支付金额低于下限")
		}
	}
	if rule.MaxAmount != "" {
		max, err := ledger.ParseAmount(rule.MaxAmount, rule.Decimals)
		if err == nil && ord.Price.Amount > max {
			return invalid(ord.RequestID, "above_maximum", "支付金额超过上限")
		}
	}
	return nil
}

func invalid(requestID, reason, message string) error {
	logger.L().Warn("支付校验未通过",
		slog.String("request_id", requestID),
		slog.String("reason", reason),
	)
	return xerrors.Wrap(CodePaymentInvalid, nil, message,
		xerrors.WithMetadata("request_id", requestID),
		xerrors.WithMetadata("reason", reason))
}
