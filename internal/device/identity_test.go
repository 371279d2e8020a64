package device

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/ehrlich-b/gatelink/internal/store"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (m *mapKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestGetOrCreatePersists(t *testing.T) {
	kv := newMapKV()
	first, err := NewManager(kv, nil).GetOrCreate()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.DeviceID != DeriveID(first.PublicKey) {
		t.Errorf("device id %q is not the hash of the public key", first.DeviceID)
	}

	second, err := NewManager(kv, nil).GetOrCreate()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("reloaded id = %q, want %q", second.DeviceID, first.DeviceID)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	kv := newMapKV()
	m := NewManager(kv, nil)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.GetOrCreate()
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = id.DeviceID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent calls produced different identities: %v", ids)
		}
	}
}

func TestSharedStoreSingleIdentity(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	a, err := NewManager(s, nil).GetOrCreate()
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	b, err := NewManager(s, nil).GetOrCreate()
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if a.DeviceID != b.DeviceID {
		t.Errorf("two managers on one store disagree: %s vs %s", a.DeviceID, b.DeviceID)
	}
}

func TestCorruptRecordRegenerates(t *testing.T) {
	cases := map[string]string{
		"not json":      "{{{",
		"wrong version": `{"version":9}`,
		"bad seed":      `{"version":1,"deviceId":"x","publicKey":"x","privateKey":"short"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			kv := newMapKV()
			kv.Set(StorageKey, raw)
			id, err := NewManager(kv, nil).GetOrCreate()
			if err != nil {
				t.Fatalf("GetOrCreate: %v", err)
			}
			stored, _, _ := kv.Get(StorageKey)
			var rec record
			if err := json.Unmarshal([]byte(stored), &rec); err != nil {
				t.Fatalf("stored record not rewritten: %v", err)
			}
			if rec.DeviceID != id.DeviceID {
				t.Errorf("stored id = %q, want %q", rec.DeviceID, id.DeviceID)
			}
		})
	}
}

func TestMismatchedDeviceIDRegenerates(t *testing.T) {
	kv := newMapKV()
	orig, _ := NewManager(kv, nil).GetOrCreate()
	raw, _, _ := kv.Get(StorageKey)
	var rec record
	json.Unmarshal([]byte(raw), &rec)
	rec.DeviceID = "forged"
	data, _ := json.Marshal(rec)
	kv.Set(StorageKey, string(data))

	id, err := NewManager(kv, nil).GetOrCreate()
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id.DeviceID == "forged" || id.DeviceID == orig.DeviceID {
		t.Errorf("expected a fresh identity, got %q", id.DeviceID)
	}
}

func TestSignVerifies(t *testing.T) {
	m := NewManager(newMapKV(), nil)
	id, err := m.GetOrCreate()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sig, err := m.Sign("v1|dev|client|webchat|operator|a,b|1700000000000|tok")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(id.PublicKeyString(), "v1|dev|client|webchat|operator|a,b|1700000000000|tok", sig); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := Verify(id.PublicKeyString(), "tampered", sig); err == nil {
		t.Error("verify accepted a tampered payload")
	}
}
