package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// 暂时性错误: 会被重试, 重试耗尽后计入断路器失败次数
var (
	ErrNetwork             = errors.New("network error")
	ErrRateLimited         = errors.New("rate limited")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
)

// 致命请求错误: 立即返回给调用方, 从不重试
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrInvalidOrderParams = errors.New("invalid order params")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDuplicateOrder     = errors.New("duplicate client order id")
)

// ErrMarketDataUnavailable 表示没有可用的报价
var ErrMarketDataUnavailable = errors.New("market data unavailable")

// IsTransient 判断错误是否为可重试的暂时性错误
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable)
}

// IsClientError 判断错误是否由请求方自身引起 (交易所已正常应答)
func IsClientError(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrInvalidOrderParams) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrMarketDataUnavailable)
}

// classifyError 将 go-binance 返回的错误映射到统一的错误分类。
// 错误码参考币安现货 API 文档。
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	switch apiErr.Code {
	case -1003, -1015:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case -1000, -1001, -1006, -1007, -1008, -1016:
		return fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
	case -1021:
		// 时间戳超出 recvWindow, 一般是本地时钟漂移或网络抖动
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case -1002, -1022, -2014, -2015:
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	case -2011, -2013:
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case -2010:
		msg := strings.ToLower(apiErr.Message)
		if strings.Contains(msg, "insufficient balance") {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		if strings.Contains(msg, "duplicate order") {
			return fmt.Errorf("%w: %v", ErrDuplicateOrder, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidOrderParams, err)
	case -1013, -1100, -1101, -1102, -1104, -1106, -1111, -1112, -1114, -1115, -1116, -1117, -1121:
		return fmt.Errorf("%w: %v", ErrInvalidOrderParams, err)
	}

	// 未知的业务错误码按参数错误处理, 不重试
	return fmt.Errorf("%w: %v", ErrInvalidOrderParams, err)
}
