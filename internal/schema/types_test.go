package schema

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
)

func TestBalanceViewForBothSides(t *testing.T) {
	ch := Channel{
		Address:         "0xchan",
		AliceIdentifier: "vectorRouter",
		BobIdentifier:   "vectorAlice",
		Assets: []AssetBalance{{
			AssetID: "0x0",
			Alice:   decimal.NewFromInt(70),
			Bob:     decimal.NewFromInt(30),
		}},
	}

	view, ok := ch.BalanceViewFor("0x0", "vectorRouter")
	if !ok {
		t.Fatal("asset not found")
	}
	if !view.RouterBalance.Equal(decimal.NewFromInt(70)) || !view.CounterpartyBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("alice view = %+v", view)
	}

	view, ok = ch.BalanceViewFor("0x0", "vectorAlice")
	if !ok {
		t.Fatal("asset not found")
	}
	if !view.RouterBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("bob view = %+v", view)
	}
}

func TestBalanceViewForMissingAsset(t *testing.T) {
	ch := Channel{Address: "0xchan"}
	view, ok := ch.BalanceViewFor("0xmissing", "vectorRouter")
	if ok {
		t.Fatal("expected missing asset")
	}
	if !view.RouterBalance.IsZero() || !view.CounterpartyBalance.IsZero() {
		t.Fatalf("missing asset view = %+v", view)
	}
}

func TestCounterpartyOf(t *testing.T) {
	ch := Channel{AliceIdentifier: "vectorRouter", BobIdentifier: "vectorAlice"}
	if got := ch.CounterpartyOf("vectorRouter"); got != "vectorAlice" {
		t.Fatalf("counterparty = %s", got)
	}
	if got := ch.CounterpartyOf("vectorAlice"); got != "vectorRouter" {
		t.Fatalf("counterparty = %s", got)
	}
	if got := ch.CounterpartyOf("vectorStranger"); got != "" {
		t.Fatalf("stranger counterparty = %s", got)
	}
}

func TestRemainingTimeoutClampsToZero(t *testing.T) {
	created := time.Now().Add(-2 * time.Hour)
	transfer := Transfer{CreatedAt: created, Timeout: time.Hour}
	if got := transfer.RemainingTimeout(time.Now()); got != 0 {
		t.Fatalf("remaining = %s", got)
	}
	transfer.Timeout = 3 * time.Hour
	remaining := transfer.RemainingTimeout(created.Add(time.Hour))
	if remaining != 2*time.Hour {
		t.Fatalf("remaining = %s", remaining)
	}
}

func TestParseRoutingMeta(t *testing.T) {
	raw := json.RawMessage(`{"routingId":"r-1","recipient":"vectorBob","recipientChainId":137,"recipientAssetId":"0xb"}`)
	meta, err := ParseRoutingMeta(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.RoutingID != "r-1" || meta.RecipientChainID != 137 {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestParseRoutingMetaRejectsMissingFields(t *testing.T) {
	cases := []string{
		``,
		`not-json`,
		`{"recipient":"vectorBob","recipientChainId":137,"recipientAssetId":"0xb"}`,
		`{"routingId":"r-1","recipientChainId":137,"recipientAssetId":"0xb"}`,
		`{"routingId":"r-1","recipient":"vectorBob","recipientAssetId":"0xb"}`,
		`{"routingId":"r-1","recipient":"vectorBob","recipientChainId":137}`,
	}
	for _, raw := range cases {
		_, err := ParseRoutingMeta(json.RawMessage(raw))
		reason, ok := errs.ReasonOf(err)
		if !ok || reason != errs.InvalidForwardingInfo {
			t.Fatalf("raw %q: reason = %v (%v)", raw, reason, err)
		}
	}
}

func TestForwardStatusTerminal(t *testing.T) {
	for status, terminal := range map[ForwardStatus]bool{
		ForwardPending:   false,
		ForwardForwarded: false,
		ForwardResolved:  true,
		ForwardCancelled: true,
		ForwardFailed:    true,
	} {
		if status.Terminal() != terminal {
			t.Fatalf("%s terminal = %v", status, status.Terminal())
		}
	}
}

func TestQuoteSigningPayloadExcludesSignature(t *testing.T) {
	quote := Quote{
		FromAssetID: "0xa",
		FromChainID: 1,
		ToAssetID:   "0xb",
		ToChainID:   137,
		Amount:      decimal.NewFromInt(100),
		Fee:         decimal.NewFromInt(5),
		Signature:   "0xsig",
	}
	payload, err := quote.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	unsigned := quote
	unsigned.Signature = ""
	want, err := unsigned.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(want) {
		t.Fatal("signature leaked into signing payload")
	}
}

func TestQuoteExpired(t *testing.T) {
	now := time.Now()
	if (Quote{}).Expired(now) {
		t.Fatal("zero expiry should never expire")
	}
	if (Quote{Expiry: now.Add(time.Minute)}).Expired(now) {
		t.Fatal("future expiry reported expired")
	}
	if !(Quote{Expiry: now.Add(-time.Minute)}).Expired(now) {
		t.Fatal("past expiry reported valid")
	}
}

func TestWithdrawalCommitmentSubmittable(t *testing.T) {
	commitment := WithdrawalCommitment{AliceSignature: "0xa"}
	if commitment.Submittable() {
		t.Fatal("half-signed commitment submittable")
	}
	commitment.BobSignature = "0xb"
	if !commitment.Submittable() {
		t.Fatal("fully signed unmined commitment not submittable")
	}
	commitment.TransactionHash = "0xmined"
	if commitment.Submittable() {
		t.Fatal("mined commitment submittable")
	}
}

func TestRebalanceProfileValidate(t *testing.T) {
	profile := RebalanceProfile{
		ChainID:          1,
		AssetID:          "0x0",
		Target:           decimal.NewFromInt(300),
		ReclaimThreshold: decimal.NewFromInt(200),
	}
	reason, ok := errs.ReasonOf(profile.Validate())
	if !ok || reason != errs.TargetHigherThanThreshold {
		t.Fatalf("reason = %v", reason)
	}

	profile.Target = decimal.NewFromInt(100)
	if err := profile.Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
}
