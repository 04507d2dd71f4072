package plugin

import (
	"context"
	"testing"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/store"
)

type fakeActivity struct{ name string }

func (f *fakeActivity) Name() string { return f.name }
func (f *fakeActivity) Filter(context.Context, chain.EventRecord, string) (bool, error) {
	return false, nil
}
func (f *fakeActivity) Log(context.Context, chain.EventRecord, string) (store.LogEntry, error) {
	return store.LogEntry{}, nil
}
func (f *fakeActivity) FormatMessage(context.Context, store.LogEntry, string) (string, error) {
	return "", nil
}

type fakeNotification struct{ name string }

func (f *fakeNotification) Name() string { return f.name }
func (f *fakeNotification) Init() error { return nil }
func (f *fakeNotification) Execute(context.Context, string, map[string]string) error {
	return nil
}
func (f *fakeNotification) ValidateConfig(map[string]string) error { return nil }

type fakeStats struct{ name string }

func (f *fakeStats) Name() string                            { return f.name }
func (f *fakeStats) Compute([]store.LogEntry) map[string]any { return nil }

func TestRegistry_LookupByCategory(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.RegisterActivity(&fakeActivity{name: "transfers"}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := r.RegisterNotification(&fakeNotification{name: "discord"}); err != nil {
		t.Fatalf("RegisterNotification: %v", err)
	}
	if err := r.RegisterStats(&fakeStats{name: "basic"}); err != nil {
		t.Fatalf("RegisterStats: %v", err)
	}

	if _, ok := r.Activity("transfers"); !ok {
		t.Error("activity transfers not found")
	}
	if _, ok := r.Notification("discord"); !ok {
		t.Error("notification discord not found")
	}
	if _, ok := r.Stats("basic"); !ok {
		t.Error("stats basic not found")
	}

	// Names are scoped per category.
	if _, ok := r.Activity("discord"); ok {
		t.Error("notification name resolved in activity category")
	}
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := NewRegistry(nil)

	if _, ok := r.Activity("absent"); ok {
		t.Error("lookup of unregistered activity succeeded")
	}
	if _, ok := r.Notification("absent"); ok {
		t.Error("lookup of unregistered notification succeeded")
	}
	if _, ok := r.Stats("absent"); ok {
		t.Error("lookup of unregistered stats succeeded")
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.RegisterActivity(&fakeActivity{name: "transfers"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterActivity(&fakeActivity{name: "transfers"}); err == nil {
		t.Fatal("duplicate register succeeded")
	}
}
