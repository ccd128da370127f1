package envelope

import (
	"encoding/json"
	"strings"

	xerrors "AgentMarket-Relay/internal/errors"
)

// Type 表示消息信封的类型。
type Type string

const (
	TypeRequest Type = "REQUEST"
	TypeOffer   Type = "OFFER"
	TypeAccept  Type = "ACCEPT"
	TypeResult  Type = "RESULT"
	TypeError   Type = "ERROR"
)

// Envelope 是买卖双方经中继交换的统一消息格式。
// Payload 的结构由 Type 决定，解码延迟到各自的处理器。
type Envelope struct {
	Type           Type            `json:"type"`
	Sender         string          `json:"sender"`
	RequestID      string          `json:"request_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// RequestPayload 是 REQUEST 消息的载荷。
type RequestPayload struct {
	BuyerID string `json:"buyer_id"`
	Task    string `json:"task"`
}

// OfferPayload 是 OFFER 消息的载荷。金额为十进制字符串，
// 解析精度由支付守卫按代币配置决定。
type OfferPayload struct {
	SellerID string     `json:"seller_id"`
	Price    OfferPrice `json:"price"`
}

// OfferPrice 是报价中的金额描述。
type OfferPrice struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// AcceptPayload 是 ACCEPT 消息的载荷，携带链上支付凭证。
type AcceptPayload struct {
	TxHash  string `json:"tx_hash"`
	Token   string `json:"token"`
	Network string `json:"network"`
	Amount  string `json:"amount"`
}

// ResultPayload 是 RESULT 消息的载荷。
type ResultPayload struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ErrorPayload 是 ERROR 消息的载荷，卖家以此上报执行失败。
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

var (
	// ErrMalformed 表示信封不满足结构要求。
	ErrMalformed = xerrors.New(CodeEnvelopeMalformed, "malformed envelope")
)

const (
	CodeEnvelopeMalformed xerrors.Code = "ENVELOPE_MALFORMED"
)

func init() {
	xerrors.Register(CodeEnvelopeMalformed, xerrors.Attributes{
		Message:   "malformed envelope",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidType 检查信封类型是否为支持的枚举值。
func IsValidType(t Type) bool {
	switch t {
	case TypeRequest, TypeOffer, TypeAccept, TypeResult, TypeError:
		return true
	default:
		return false
	}
}

// Parse 反序列化并校验一个信封。
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, err, "解析信封失败")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate 校验信封的公共字段。
func (e *Envelope) Validate() error {
	if e == nil {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil, "信封不能为空")
	}
	if !IsValidType(e.Type) {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil, "未知的信封类型: "+string(e.Type))
	}
	if strings.TrimSpace(e.Sender) == "" {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil, "信封缺少 sender")
	}
	if strings.TrimSpace(e.RequestID) == "" {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil, "信封缺少 request_id")
	}
	if len(e.Payload) == 0 {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil, "信封缺少 payload")
	}
	return nil
}

// DecodeRequest 解码 REQUEST 载荷并校验必填字段。
func (e *Envelope) DecodeRequest() (*RequestPayload, error) {
	var payload RequestPayload
	if err := e.decode(TypeRequest, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.BuyerID) == "" {
		payload.BuyerID = e.Sender
	}
	if strings.TrimSpace(payload.Task) == "" {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, nil, "REQUEST 缺少 task")
	}
	return &payload, nil
}

// DecodeOffer 解码 OFFER 载荷并校验必填字段。
func (e *Envelope) DecodeOffer() (*OfferPayload, error) {
	var payload OfferPayload
	if err := e.decode(TypeOffer, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.SellerID) == "" {
		payload.SellerID = e.Sender
	}
	if strings.TrimSpace(payload.Price.Amount) == "" || strings.TrimSpace(payload.Price.Currency) == "" {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, nil, "OFFER 缺少报价金额或币种")
	}
	return &payload, nil
}

// DecodeAccept 解码 ACCEPT 载荷并校验必填字段。
func (e *Envelope) DecodeAccept() (*AcceptPayload, error) {
	var payload AcceptPayload
	if err := e.decode(TypeAccept, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.TxHash) == "" {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, nil, "ACCEPT 缺少 tx_hash")
	}
	if strings.TrimSpace(payload.Token) == "" {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, nil, "ACCEPT 缺少 token")
	}
	return &payload, nil
}

// DecodeResult 解码 RESULT 载荷。
func (e *Envelope) DecodeResult() (*ResultPayload, error) {
	var payload ResultPayload
	if err := e.decode(TypeResult, &payload); err != nil {
		return nil, err
	}
	if payload.Status == "" {
		payload.Status = "ok"
	}
	return &payload, nil
}

// DecodeError 解码 ERROR 载荷。
func (e *Envelope) DecodeError() (*ErrorPayload, error) {
	var payload ErrorPayload
	if err := e.decode(TypeError, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Message) == "" {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, nil, "ERROR 缺少 message")
	}
	return &payload, nil
}

func (e *Envelope) decode(expected Type, target any) error {
	if e.Type != expected {
		return xerrors.Wrap(CodeEnvelopeMalformed, nil,
			"信封类型不匹配: 期望 "+string(expected)+"，实际 "+string(e.Type))
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return xerrors.Wrap(CodeEnvelopeMalformed, err, "解析 "+string(expected)+" 载荷失败")
	}
	return nil
}
