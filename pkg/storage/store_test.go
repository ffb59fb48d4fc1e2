package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "taskhive.db"))
	if err != nil {
		t.Fatalf("creating sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlite.Close(); err != nil {
			t.Errorf("closing sqlite store: %v", err)
		}
	})
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStoreRoundtrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := store.Set(KeyAccessToken, "tok-1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := store.Get(KeyAccessToken)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != "tok-1" {
				t.Errorf("Get = %q, want tok-1", got)
			}

			// Overwrite replaces, not appends.
			if err := store.Set(KeyAccessToken, "tok-2"); err != nil {
				t.Fatalf("Set (overwrite): %v", err)
			}
			got, err = store.Get(KeyAccessToken)
			if err != nil {
				t.Fatalf("Get after overwrite: %v", err)
			}
			if got != "tok-2" {
				t.Errorf("Get after overwrite = %q, want tok-2", got)
			}

			if err := store.Delete(KeyAccessToken); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(KeyAccessToken); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete error = %v, want ErrNotFound", err)
			}

			// Deleting an absent key is a no-op.
			if err := store.Delete(KeyAccessToken); err != nil {
				t.Errorf("Delete (absent): %v", err)
			}
		})
	}
}

func TestTokenHelpers(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if got := AccessToken(store); got != "" {
				t.Errorf("AccessToken on empty store = %q, want empty", got)
			}

			if err := SetTokens(store, "access-1", "refresh-1"); err != nil {
				t.Fatalf("SetTokens: %v", err)
			}
			if got := AccessToken(store); got != "access-1" {
				t.Errorf("AccessToken = %q, want access-1", got)
			}
			if got := RefreshToken(store); got != "refresh-1" {
				t.Errorf("RefreshToken = %q, want refresh-1", got)
			}

			// Rotation with no new refresh token keeps the old one.
			if err := SetTokens(store, "access-2", ""); err != nil {
				t.Fatalf("SetTokens (rotate): %v", err)
			}
			if got := AccessToken(store); got != "access-2" {
				t.Errorf("AccessToken after rotation = %q, want access-2", got)
			}
			if got := RefreshToken(store); got != "refresh-1" {
				t.Errorf("RefreshToken after rotation = %q, want refresh-1 preserved", got)
			}

			if err := ClearTokens(store); err != nil {
				t.Fatalf("ClearTokens: %v", err)
			}
			if got := AccessToken(store); got != "" {
				t.Errorf("AccessToken after clear = %q, want empty", got)
			}
			if got := RefreshToken(store); got != "" {
				t.Errorf("RefreshToken after clear = %q, want empty", got)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskhive.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	if err := SetTokens(store, "persisted-access", "persisted-refresh"); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("closing reopened store: %v", err)
		}
	}()

	if got := AccessToken(reopened); got != "persisted-access" {
		t.Errorf("AccessToken after reopen = %q, want persisted-access", got)
	}
}
