package payments

import (
	"encoding/json"
	"fmt"
)

const (
	WeChatPayName = "wechatpay"

	wechatTradeStateSuccess = "SUCCESS"
)

// WeChatPay decodes a decrypted transaction-success notification. The order's
// attach field carries the user id and credit amount stamped at order time.
type WeChatPay struct{}

// NewWeChatPay returns the wechatpay webhook parser.
func NewWeChatPay() *WeChatPay { return &WeChatPay{} }

// Name returns the registry key.
func (wechat *WeChatPay) Name() string { return WeChatPayName }

type wechatNotification struct {
	OutTradeNo string `json:"out_trade_no"`
	TradeState string `json:"trade_state"`
	Attach     string `json:"attach"`
}

type wechatAttach struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

func (wechat *WeChatPay) ParseWebhook(body []byte) (CaptureEvent, error) {
	var notification wechatNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return CaptureEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if notification.OutTradeNo == "" {
		return CaptureEvent{}, fmt.Errorf("%w: missing out_trade_no", ErrMalformedPayload)
	}
	if notification.TradeState != wechatTradeStateSuccess {
		return CaptureEvent{}, fmt.Errorf("%w: trade state %s", ErrIgnoredEvent, notification.TradeState)
	}
	var attach wechatAttach
	if err := json.Unmarshal([]byte(notification.Attach), &attach); err != nil {
		return CaptureEvent{}, fmt.Errorf("%w: undecodable attach: %v", ErrMalformedPayload, err)
	}
	if attach.UserID == "" || attach.Credits <= 0 {
		return CaptureEvent{}, fmt.Errorf("%w: missing user_id or credits in attach", ErrMalformedPayload)
	}
	return CaptureEvent{
		OrderID: notification.OutTradeNo,
		UserID:  attach.UserID,
		Credits: attach.Credits,
	}, nil
}
