package binance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"pairarb/internal/application/port"
)

const (
	codeFilterFailure  = -1013
	codeOrderRejected  = -2010
	codeUnknownOrder   = -2011
	msgInsufficientBal = "insufficient balance"
)

// mapError 把余额不足类的下单拒绝映射成 port.ErrInsufficientBalance，其它错误原样包装
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == codeFilterFailure:
			return fmt.Errorf("%s: %w: %s", op, port.ErrInsufficientBalance, apiErr.Message)
		case apiErr.Code == codeOrderRejected && strings.Contains(strings.ToLower(apiErr.Message), msgInsufficientBal):
			return fmt.Errorf("%s: %w: %s", op, port.ErrInsufficientBalance, apiErr.Message)
		}
		return fmt.Errorf("%s: binance %d: %s", op, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}
