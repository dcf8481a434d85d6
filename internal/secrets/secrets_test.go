package secrets

import (
	"errors"
	"testing"
)

func TestNoopStore(t *testing.T) {
	store := &NoopStore{}
	if _, err := store.Get("service", "account"); err != ErrNotSupported {
		t.Errorf("Get() error = %v, want %v", err, ErrNotSupported)
	}
	if err := store.Set("service", "account", "pw"); err != ErrNotSupported {
		t.Errorf("Set() error = %v, want %v", err, ErrNotSupported)
	}
	if err := store.Delete("service", "account"); err != ErrNotSupported {
		t.Errorf("Delete() error = %v, want %v", err, ErrNotSupported)
	}
	if store.IsSupported() {
		t.Error("IsSupported() = true, want false")
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Error("Default() returned nil store")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(ServiceName, "a"); err != ErrNotFound {
		t.Errorf("Get() on empty store error = %v, want %v", err, ErrNotFound)
	}
	if err := store.Set(ServiceName, "a", "pw"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := store.Get(ServiceName, "a"); got != "pw" {
		t.Errorf("Get() = %q, want pw", got)
	}
	if _, err := store.Get("Other", "a"); err != ErrNotFound {
		t.Errorf("Get() with other service error = %v, want %v", err, ErrNotFound)
	}
	if err := store.Delete(ServiceName, "a"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := store.Delete(ServiceName, "a"); err != ErrNotFound {
		t.Errorf("second Delete() error = %v, want %v", err, ErrNotFound)
	}
}

func TestPasswordHelpers(t *testing.T) {
	store := NewMemoryStore()

	if err := SetPassword(store, "  Owner@Example.com ", "hunter2"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	got, err := GetPassword(store, "owner@example.com")
	if err != nil {
		t.Fatalf("GetPassword() error = %v", err)
	}
	if got != "hunter2" {
		t.Errorf("GetPassword() = %q, want hunter2", got)
	}
	if raw, _ := store.Get(ServiceName, "owner@example.com"); raw != "hunter2" {
		t.Errorf("stored under unexpected account, Get() = %q", raw)
	}

	if err := DeletePassword(store, "OWNER@example.com"); err != nil {
		t.Fatalf("DeletePassword() error = %v", err)
	}
	if _, err := GetPassword(store, "owner@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPassword() after delete error = %v, want ErrNotFound", err)
	}
}

func TestPasswordHelpers_Validation(t *testing.T) {
	store := NewMemoryStore()
	if err := SetPassword(store, "", "pw"); err == nil {
		t.Error("SetPassword() with empty username expected error")
	}
	if err := SetPassword(store, "owner@example.com", ""); err == nil {
		t.Error("SetPassword() with empty password expected error")
	}
	if _, err := GetPassword(store, " "); err == nil {
		t.Error("GetPassword() with blank username expected error")
	}
	if _, err := GetPassword(&NoopStore{}, "owner@example.com"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("GetPassword() on NoopStore error = %v, want ErrNotSupported", err)
	}
}
