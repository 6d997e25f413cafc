package constants

import "time"

// shared constants used by multiple packages

const (
	INVOICE_STATE_NEW     = "NEW"
	INVOICE_STATE_SETTLED = "SETTLED"
	INVOICE_STATE_EXPIRED = "EXPIRED"

	INVOICE_EXCEPTION_NONE         = ""
	INVOICE_EXCEPTION_PAID_PARTIAL = "PAID_PARTIAL"
)

const (
	PAYMENT_METHOD_KIND_LIGHTNING = "lightning"
	PAYMENT_METHOD_KIND_LNURL_PAY = "lnurl-pay"
)

func GetLightningLikeKinds() []string {
	return []string{
		PAYMENT_METHOD_KIND_LIGHTNING,
		PAYMENT_METHOD_KIND_LNURL_PAY,
	}
}

const (
	POLL_INTERVAL_DEFAULT     = time.Minute
	NODE_CALL_TIMEOUT_DEFAULT = 5 * time.Second
	WATCH_CACHE_TTL_DEFAULT   = 5 * time.Minute
)

const APP_IDENTIFIER = "paygrid"
