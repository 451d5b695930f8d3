package main

import (
	"context"
	"testing"

	"flashengine/internal/rpc"
)

func TestStatusStoreProviderErrorsBeforeFirstUpdate(t *testing.T) {
	store := &statusStore{}
	if _, err := store.Provider(context.Background()); err == nil {
		t.Fatalf("expected an error before any status has been reported")
	}
}

func TestStatusStoreProviderReturnsLatestUpdate(t *testing.T) {
	store := &statusStore{}

	store.Update(rpc.DeviceStatusResponse{Vendor: "qualcomm", State: "Flashing"})
	store.Update(rpc.DeviceStatusResponse{
		Vendor:          "mediatek",
		State:           "Ready",
		Protocol:        "xflash",
		OperationName:   "write boot",
		ProgressPercent: 42.5,
		Message:         "writing boot partition",
	})

	got, err := store.Provider(context.Background())
	if err != nil {
		t.Fatalf("Provider error: %v", err)
	}
	if got.Vendor != "mediatek" || got.State != "Ready" {
		t.Errorf("Provider() = %+v, want the most recently reported snapshot", got)
	}
	if got.ProgressPercent != 42.5 {
		t.Errorf("Provider().ProgressPercent = %v, want 42.5", got.ProgressPercent)
	}
}
