package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/conduitnetwork/conduit/errs"
)

func TestClientCreateTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfers/create" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transferId":"0xt1","channelAddress":"0xchan","amount":"100"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	transfer, err := client.CreateTransfer(context.Background(), CreateTransferParams{
		ChannelAddress: "0xchan",
		AssetID:        "0x0",
		Amount:         decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if transfer.TransferID != "0xt1" {
		t.Fatalf("transferId = %q", transfer.TransferID)
	}
	if !transfer.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount = %s", transfer.Amount)
	}
}

func TestClientMapsReceiverOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"RECEIVER_OFFLINE","message":"counterparty not online"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.CreateTransfer(context.Background(), CreateTransferParams{ChannelAddress: "0xchan"})
	reason, ok := errs.ReasonOf(err)
	if !ok || reason != errs.ReceiverOffline {
		t.Fatalf("reason = %v (%v)", reason, err)
	}
	e, _ := errs.AsE(err)
	if e.HTTP != http.StatusServiceUnavailable {
		t.Fatalf("http = %d", e.HTTP)
	}
}

func TestClientTransferByRoutingIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"TRANSFER_NOT_FOUND","message":"no transfer"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	_, found, err := client.GetTransferByRoutingID(context.Background(), "0xchan", "routing-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestClientIsAliveOfflineIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"COUNTERPARTY_OFFLINE","message":"no response"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	alive, err := client.IsAlive(context.Background(), "0xchan")
	if err != nil {
		t.Fatalf("is-alive: %v", err)
	}
	if alive {
		t.Fatal("expected offline")
	}
}
