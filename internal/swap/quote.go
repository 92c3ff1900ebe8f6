package swap

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// Quoter issues and verifies signed fee quotes. A quote binds the router to a
// fee for a pair and amount until it expires.
type Quoter struct {
	calc *Calculator
	key  []byte
	ttl  time.Duration
	now  func() time.Time
}

// NewQuoter builds a quoter signing with key. Quotes expire ttl after issue.
func NewQuoter(calc *Calculator, key string, ttl time.Duration) *Quoter {
	q := new(Quoter)
	q.calc = calc
	q.key = []byte(key)
	q.ttl = ttl
	q.now = time.Now
	return q
}

// Issue prices a prospective forward and returns the signed quote.
func (q *Quoter) Issue(ctx context.Context, routingID, fromAssetID string, fromChainID int64, toAssetID string, toChainID int64, amount decimal.Decimal) (schema.Quote, error) {
	result, err := q.calc.Convert(ctx, amount, fromAssetID, fromChainID, toAssetID, toChainID)
	if err != nil {
		return schema.Quote{}, errs.New(errs.DomainQuote, errs.CouldNotGetFee, errs.WithCause(err))
	}

	quote := schema.Quote{
		RoutingID:   routingID,
		FromAssetID: fromAssetID,
		FromChainID: fromChainID,
		ToAssetID:   toAssetID,
		ToChainID:   toChainID,
		Amount:      amount,
		Fee:         result.Fee,
		Expiry:      q.now().UTC().Add(q.ttl),
	}
	signature, err := q.sign(quote)
	if err != nil {
		return schema.Quote{}, err
	}
	quote.Signature = signature
	return quote, nil
}

// Verify checks the quote's signature and expiry. A quote embedded in routing
// metadata must pass here before its fee overrides the configured one.
func (q *Quoter) Verify(quote schema.Quote) error {
	if quote.Expired(q.now().UTC()) {
		return errs.New(errs.DomainQuote, errs.QuoteExpired,
			errs.WithField("expiry", quote.Expiry.Format(time.RFC3339)))
	}
	expected, err := q.sign(quote)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(quote.Signature)) {
		return errs.New(errs.DomainQuote, errs.QuoteSignatureInvalid,
			errs.WithField("routingId", quote.RoutingID))
	}
	return nil
}

func (q *Quoter) sign(quote schema.Quote) (string, error) {
	payload, err := quote.SigningPayload()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, q.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
