package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Gateway builds signed VNPay redirect URLs and verifies the signed
// return callback. The canonical form (keys sorted, percent-encoded
// key=value pairs joined by &) must stay bit-exact with what the
// processor recomputes on its side.

const (
	version   = "2.1.0"
	command   = "pay"
	currency  = "VND"
	locale    = "vn"
	orderType = "billpayment"
	orderInfo = "Thanh toan don hang"

	// ResponseCodeSuccess is the gateway's code for a settled payment.
	ResponseCodeSuccess = "00"

	createDateLayout = "20060102150405"

	hashParam     = "vnp_SecureHash"
	hashTypeParam = "vnp_SecureHashType"
)

// ErrInvalidSignature is returned when a callback's secure hash does
// not match the recomputed signature.
var ErrInvalidSignature = errors.New("vnpay: invalid secure hash")

// ErrMissingField is returned when a callback lacks a required parameter.
var ErrMissingField = errors.New("vnpay: missing callback field")

type Config struct {
	PayURL     string
	ReturnURL  string
	TmnCode    string
	HashSecret string
	BankCode   string
}

type Gateway struct {
	cfg Config
	now func() time.Time
}

// New creates a gateway adapter
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg, now: time.Now}
}

// BuildPaymentURL constructs the signed redirect URL for one order.
// The amount is converted to the gateway's minor units (x100) and the
// order code becomes the transaction reference.
func (g *Gateway) BuildPaymentURL(orderCode string, amount int64, clientIP string) string {
	params := url.Values{}
	params.Set("vnp_Version", version)
	params.Set("vnp_Command", command)
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(amount*100, 10))
	params.Set("vnp_CreateDate", g.now().Format(createDateLayout))
	params.Set("vnp_CurrCode", currency)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_Locale", locale)
	params.Set("vnp_OrderInfo", orderInfo)
	params.Set("vnp_OrderType", orderType)
	params.Set("vnp_ReturnUrl", g.cfg.ReturnURL)
	params.Set("vnp_TxnRef", orderCode)
	if g.cfg.BankCode != "" {
		params.Set("vnp_BankCode", g.cfg.BankCode)
	}

	// Encode sorts keys and percent-encodes, which is exactly the
	// canonical string the processor signs.
	canonical := params.Encode()
	return g.cfg.PayURL + "?" + canonical + "&" + hashParam + "=" + g.sign(canonical)
}

// CallbackResult is the decoded outcome of a verified return callback.
type CallbackResult struct {
	OrderCode    string
	Amount       int64
	ResponseCode string
	Succeeded    bool
}

// VerifyReturn recomputes the signature over the callback parameters
// and decodes the result. The signature is always checked before any
// field is trusted; a mismatch yields ErrInvalidSignature.
func (g *Gateway) VerifyReturn(query url.Values) (*CallbackResult, error) {
	got := query.Get(hashParam)
	if got == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, hashParam)
	}

	signed := url.Values{}
	for key, vals := range query {
		if key == hashParam || key == hashTypeParam {
			continue
		}
		if strings.HasPrefix(key, "vnp_") && len(vals) > 0 {
			signed.Set(key, vals[0])
		}
	}

	want := g.sign(signed.Encode())
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return nil, ErrInvalidSignature
	}

	code := query.Get("vnp_TxnRef")
	if code == "" {
		return nil, fmt.Errorf("%w: vnp_TxnRef", ErrMissingField)
	}

	rawAmount := query.Get("vnp_Amount")
	minorUnits, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("vnpay: bad vnp_Amount %q: %w", rawAmount, err)
	}

	responseCode := query.Get("vnp_ResponseCode")
	return &CallbackResult{
		OrderCode:    code,
		Amount:       minorUnits / 100,
		ResponseCode: responseCode,
		Succeeded:    responseCode == ResponseCodeSuccess,
	}, nil
}

func (g *Gateway) sign(canonical string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
